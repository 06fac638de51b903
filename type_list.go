package resclient

import (
	"strings"

	"github.com/pkg/errors"
)

// ResourceFactory constructs the application visible resource object for a
// given RID.
type ResourceFactory func(rid string) Resource

// typeList is a pattern registry mapping RID patterns to resource factories.
// Patterns are dot separated tokens where "*" matches exactly one token and
// ">" matches one or more trailing tokens. Lookup prefers literal tokens over
// "*" over ">". One instance exists per resource kind.
type typeList struct {
	root           typeNode
	defaultFactory ResourceFactory
}

type typeNode struct {
	nodes   map[string]*typeNode
	pwc     *typeNode // '*'
	fwc     *typeNode // '>'
	factory ResourceFactory
}

func newTypeList(defaultFactory ResourceFactory) *typeList {
	return &typeList{defaultFactory: defaultFactory}
}

func (l *typeList) addFactory(pattern string, factory ResourceFactory) error {
	toks := strings.Split(pattern, ".")
	n := &l.root
	for i, t := range toks {
		var next *typeNode
		switch t {
		case "":
			return errors.Wrap(ErrInvalidArgument, "empty token in pattern: "+pattern)
		case ">":
			if i != len(toks)-1 {
				return errors.Wrap(ErrInvalidArgument, "'>' must be the last token: "+pattern)
			}
			if n.fwc == nil {
				n.fwc = &typeNode{}
			}
			next = n.fwc
		case "*":
			if n.pwc == nil {
				n.pwc = &typeNode{}
			}
			next = n.pwc
		default:
			if n.nodes == nil {
				n.nodes = make(map[string]*typeNode)
			}
			next = n.nodes[t]
			if next == nil {
				next = &typeNode{}
				n.nodes[t] = next
			}
		}
		n = next
	}
	if n.factory != nil {
		return errors.Wrap(ErrInvalidArgument, "pattern already registered: "+pattern)
	}
	n.factory = factory
	return nil
}

// removeFactory unregisters a pattern and returns its factory, or nil when
// the pattern was never registered.
func (l *typeList) removeFactory(pattern string) ResourceFactory {
	n := &l.root
	for _, t := range strings.Split(pattern, ".") {
		switch t {
		case ">":
			n = n.fwc
		case "*":
			n = n.pwc
		default:
			n = n.nodes[t]
		}
		if n == nil {
			return nil
		}
	}
	f := n.factory
	n.factory = nil
	return f
}

// getFactory resolves the factory for a RID, falling back to the kind's
// default. Any query part of the RID is ignored for matching.
func (l *typeList) getFactory(rid string) ResourceFactory {
	name := rid
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if f := match(&l.root, strings.Split(name, "."), 0); f != nil {
		return f
	}
	return l.defaultFactory
}

func match(n *typeNode, toks []string, i int) ResourceFactory {
	if i == len(toks) {
		return n.factory
	}
	if c, ok := n.nodes[toks[i]]; ok {
		if f := match(c, toks, i+1); f != nil {
			return f
		}
	}
	if n.pwc != nil {
		if f := match(n.pwc, toks, i+1); f != nil {
			return f
		}
	}
	if n.fwc != nil {
		return n.fwc.factory
	}
	return nil
}
