package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/node"
	"github.com/cuemby/nodestore/pkg/types"
)

// resolve turns a node ref or a /name/name path into a node ref. Path
// segments are matched against cm:name under cm:contains.
func (r *repository) resolve(ctx context.Context, tx *node.Txn, arg string) (types.NodeRef, error) {
	if strings.Contains(arg, "://") {
		return types.ParseNodeRef(arg)
	}
	if !strings.HasPrefix(arg, "/") {
		return types.NodeRef{}, fmt.Errorf("path %q must start with /", arg)
	}

	cur, err := r.GetRootNode(ctx, tx, r.store)
	if err != nil {
		return types.NodeRef{}, err
	}
	walked := ""
	for _, name := range strings.Split(arg, "/") {
		if name == "" {
			continue
		}
		walked += "/" + name
		child, found, err := r.GetChildByName(ctx, tx, cur, dictionary.AssocContains, name)
		if err != nil {
			return types.NodeRef{}, err
		}
		if !found {
			return types.NodeRef{}, fmt.Errorf("%s: no such node", walked)
		}
		cur = child
	}
	return cur, nil
}

// splitParent separates the last path segment from its parent path
func splitParent(path string) (string, string, error) {
	path = strings.TrimRight(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("path %q has no name", path)
	}
	parent := path[:idx]
	if parent == "" {
		parent = "/"
	}
	return parent, path[idx+1:], nil
}

// parseValue converts a command line value to the property's declared type
func parseValue(dict *dictionary.Service, name types.QName, raw string) (any, error) {
	def, ok := dict.Property(name)
	if !ok {
		return raw, nil
	}
	if def.Multiple {
		return strings.Split(raw, ","), nil
	}
	switch def.Type {
	case dictionary.DataTypeInt, dictionary.DataTypeLong:
		return strconv.ParseInt(raw, 10, 64)
	case dictionary.DataTypeFloat, dictionary.DataTypeDouble:
		return strconv.ParseFloat(raw, 64)
	case dictionary.DataTypeBoolean:
		return strconv.ParseBool(raw)
	case dictionary.DataTypeDateTime:
		return time.Parse(time.RFC3339, raw)
	case dictionary.DataTypeContent:
		url, mimetype, _ := strings.Cut(raw, ";")
		return types.ContentData{URL: url, Mimetype: mimetype}, nil
	default:
		return raw, nil
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case time.Time:
		return val.Format(time.RFC3339)
	case []string:
		return strings.Join(val, ",")
	case types.QName:
		return val.PrefixString()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
