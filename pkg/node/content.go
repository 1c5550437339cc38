package node

import (
	"context"
	"hash/crc32"
	"sort"
	"time"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/metrics"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
)

// ContentCRC is the checksum that selects a content URL's slot
func ContentCRC(url string) uint32 {
	return crc32.ChecksumIEEE([]byte(url))
}

// SetContent is the only way to point a content property at a new URL.
// The URL must not share its CRC with a different registered URL.
func (r *Repository) SetContent(ctx context.Context, tx *Txn, ref types.NodeRef, name types.QName, data types.ContentData) error {
	defer observe("setContent")()

	if def, ok := r.dict.Property(name); ok && def.Type != dictionary.DataTypeContent && def.Type != dictionary.DataTypeAny {
		return &InvalidTypeError{Node: ref, Property: name, Reason: "not a content property"}
	}
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionWrite); err != nil {
		return err
	}
	next := rec.Properties.Clone()
	next[name] = data
	return r.updateProperties(ctx, tx, rec, next)
}

func contentURLs(props types.Properties) map[string]int64 {
	out := make(map[string]int64)
	for _, v := range props {
		if cd, ok := v.(types.ContentData); ok && cd.HasURL() {
			out[cd.URL]++
		}
	}
	return out
}

// syncContent moves reference counts from the URLs in before to the URLs
// in after. New references are checked first so a collision changes nothing.
func (r *Repository) syncContent(tx *Txn, ref types.NodeRef, before, after types.Properties) error {
	old, cur := contentURLs(before), contentURLs(after)
	var added, removed []string
	for url, n := range cur {
		if n > old[url] {
			added = append(added, url)
		}
	}
	for url, n := range old {
		if n > cur[url] {
			removed = append(removed, url)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	for _, url := range added {
		if err := r.acquireContent(tx, ref, url, cur[url]-old[url]); err != nil {
			return err
		}
	}
	for _, url := range removed {
		if err := r.releaseContent(tx, url, old[url]-cur[url]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) acquireContent(tx *Txn, ref types.NodeRef, url string, n int64) error {
	crc := ContentCRC(url)
	key := crcKey(crc)
	var rec contentRecord
	found, err := tx.getRecord(storage.BucketContentURLs, key, &rec)
	if err != nil {
		return err
	}
	if found && rec.URL != url {
		metrics.ContentCollisionsTotal.Inc()
		return &ContentCollisionError{Node: ref, URL: url, Existing: rec.URL, CRC: crc}
	}
	if !found {
		rec = contentRecord{URL: url}
	}
	rec.RefCount += n
	rec.OrphanedAt = nil
	return tx.putRecord(storage.BucketContentURLs, key, &rec)
}

func (r *Repository) releaseContent(tx *Txn, url string, n int64) error {
	key := crcKey(ContentCRC(url))
	var rec contentRecord
	found, err := tx.getRecord(storage.BucketContentURLs, key, &rec)
	if err != nil {
		return err
	}
	if !found || rec.URL != url {
		r.logger.Warn().Str("url", url).Msg("Released content url that was not registered")
		return nil
	}
	rec.RefCount -= n
	if rec.RefCount <= 0 {
		rec.RefCount = 0
		orphaned := timestamp()
		rec.OrphanedAt = &orphaned
	}
	return tx.putRecord(storage.BucketContentURLs, key, &rec)
}

// PurgeOrphanContentURLs frees the CRC slots of URLs that have had no
// references for at least olderThan and returns how many were purged
func (r *Repository) PurgeOrphanContentURLs(ctx context.Context, tx *Txn, olderThan time.Duration) (int, error) {
	defer observe("purgeOrphanContent")()

	cutoff := timestamp().Add(-olderThan)
	var candidates [][]byte
	err := tx.scan(storage.BucketContentURLs, nil, func(k, v []byte) error {
		var rec contentRecord
		if err := decode(v, &rec); err != nil {
			return err
		}
		if rec.RefCount <= 0 && rec.OrphanedAt != nil && !rec.OrphanedAt.After(cutoff) {
			candidates = append(candidates, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, key := range candidates {
		// Re-read so a concurrent acquire makes this commit conflict
		var rec contentRecord
		found, err := tx.getRecord(storage.BucketContentURLs, key, &rec)
		if err != nil {
			return purged, err
		}
		if !found || rec.RefCount > 0 {
			continue
		}
		if err := tx.del(storage.BucketContentURLs, key); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		metrics.OrphanContentPurgedTotal.Add(float64(purged))
	}
	return purged, nil
}
