package kv

import (
	"context"

	"github.com/rcastellor/dirstore/pkg/direrrors"
	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/storage"
)

// Search walks the subtree (or single level, or just base) rooted at
// base, invoking visit for each matching entry in depth-first order.
// visit returning direrrors.ErrStopWalk ends the walk without it
// being reported as a failure.
func (s *Store) Search(ctx context.Context, base dn.DN, scope storage.Scope, visit storage.VisitFunc) error {
	err := s.view(func(tx *Tx) error {
		id, ok := dn2idGet(tx, base)
		if !ok {
			return direrrors.ErrNoSuchObject
		}
		switch scope {
		case storage.ScopeBase:
			e, err := id2entryGet(tx, id)
			if err != nil {
				return err
			}
			return visitOne(visit, e)
		case storage.ScopeOneLevel:
			children, err := id2childrenList(tx, id)
			if err != nil {
				return err
			}
			for _, cid := range children {
				e, err := id2entryGet(tx, cid)
				if err != nil {
					return err
				}
				if err := visitOne(visit, e); err != nil {
					if err == direrrors.ErrStopWalk {
						return nil
					}
					return err
				}
			}
			return nil
		default: // ScopeSubtree
			return walkSubtree(tx, id, visit)
		}
	})
	if err == direrrors.ErrStopWalk {
		return nil
	}
	return err
}

func walkSubtree(tx *Tx, id uint32, visit storage.VisitFunc) error {
	e, err := id2entryGet(tx, id)
	if err != nil {
		return err
	}
	if err := visitOne(visit, e); err != nil {
		return err
	}
	children, err := id2childrenList(tx, id)
	if err != nil {
		return err
	}
	for _, cid := range children {
		if err := walkSubtree(tx, cid, visit); err != nil {
			return err
		}
	}
	return nil
}

func visitOne(visit storage.VisitFunc, e *entry.Entry) error {
	if e == nil {
		return direrrors.ErrBackendCorrupt
	}
	err := visit(e)
	if err == direrrors.ErrStopWalk {
		return err
	}
	return err
}
