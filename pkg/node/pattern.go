package node

import (
	"fmt"
	"regexp"

	"github.com/cuemby/nodestore/pkg/types"
)

// QNamePattern selects association names in child and peer queries. A nil
// pattern matches everything.
type QNamePattern interface {
	Matches(q types.QName) bool
}

type allQNames struct{}

func (allQNames) Matches(types.QName) bool { return true }

// AllQNames matches every qname
var AllQNames QNamePattern = allQNames{}

type exactQName types.QName

func (e exactQName) Matches(q types.QName) bool { return types.QName(e) == q }

// ExactQName matches q only
func ExactQName(q types.QName) QNamePattern {
	return exactQName(q)
}

// RegexQNamePattern matches the namespace and local name against anchored
// regular expressions
type RegexQNamePattern struct {
	namespace *regexp.Regexp
	local     *regexp.Regexp
}

// NewRegexQNamePattern compiles a pattern. An empty expression matches
// anything.
func NewRegexQNamePattern(namespace, local string) (*RegexQNamePattern, error) {
	p := &RegexQNamePattern{}
	var err error
	if namespace != "" {
		if p.namespace, err = regexp.Compile("^(?:" + namespace + ")$"); err != nil {
			return nil, fmt.Errorf("%w: namespace pattern: %v", ErrInvalidArgument, err)
		}
	}
	if local != "" {
		if p.local, err = regexp.Compile("^(?:" + local + ")$"); err != nil {
			return nil, fmt.Errorf("%w: local name pattern: %v", ErrInvalidArgument, err)
		}
	}
	return p, nil
}

func (p *RegexQNamePattern) Matches(q types.QName) bool {
	if p.namespace != nil && !p.namespace.MatchString(q.Namespace) {
		return false
	}
	return p.local == nil || p.local.MatchString(q.LocalName)
}

func matches(pattern QNamePattern, q types.QName) bool {
	return pattern == nil || pattern.Matches(q)
}
