package blobstore

import (
	"context"
	"fmt"

	"github.com/meridian-hie/conduit/internal/model"
)

// walk visits ex and every exchange reachable through Routes and
// Orchestrations exactly once, in depth-first order. Shared or cyclic
// sub-trees are skipped after their first visit.
func walk(ex *model.Exchange, visit func(*model.Exchange) error) error {
	seen := make(map[*model.Exchange]struct{})
	var rec func(*model.Exchange) error
	rec = func(n *model.Exchange) error {
		if n == nil {
			return nil
		}
		if _, ok := seen[n]; ok {
			return nil
		}
		seen[n] = struct{}{}
		if err := visit(n); err != nil {
			return err
		}
		for _, r := range n.Routes {
			if err := rec(r); err != nil {
				return err
			}
		}
		for _, o := range n.Orchestrations {
			if err := rec(o); err != nil {
				return err
			}
		}
		return nil
	}
	return rec(ex)
}

// Extract uploads every inline request and response body in the tree and
// replaces it with a ref.
func (s *Store) Extract(ctx context.Context, ex *model.Exchange) error {
	return walk(ex, func(n *model.Exchange) error {
		if n.Request != nil && n.Request.Body != "" && n.Request.BodyRef == "" {
			ref, err := s.Put(ctx, n.Request.Body)
			if err != nil {
				return fmt.Errorf("blobstore: extract request body of %q: %w", n.Name, err)
			}
			n.Request.BodyRef, n.Request.Body = ref, ""
		}
		if n.Response != nil && n.Response.Body != "" && n.Response.BodyRef == "" {
			ref, err := s.Put(ctx, n.Response.Body)
			if err != nil {
				return fmt.Errorf("blobstore: extract response body of %q: %w", n.Name, err)
			}
			n.Response.BodyRef, n.Response.Body = ref, ""
		}
		return nil
	})
}

// Rehydrate replaces every ref in the tree with the body it points to.
func (s *Store) Rehydrate(ctx context.Context, ex *model.Exchange) error {
	return walk(ex, func(n *model.Exchange) error {
		if n.Request != nil && n.Request.BodyRef != "" {
			body, err := s.Get(ctx, n.Request.BodyRef)
			if err != nil {
				return fmt.Errorf("blobstore: rehydrate request body of %q: %w", n.Name, err)
			}
			n.Request.Body, n.Request.BodyRef = string(body), ""
		}
		if n.Response != nil && n.Response.BodyRef != "" {
			body, err := s.Get(ctx, n.Response.BodyRef)
			if err != nil {
				return fmt.Errorf("blobstore: rehydrate response body of %q: %w", n.Name, err)
			}
			n.Response.Body, n.Response.BodyRef = string(body), ""
		}
		return nil
	})
}

// StripRefs clears every ref in the tree and returns them in visit order.
// The blobs themselves are left for the caller to delete.
func StripRefs(ex *model.Exchange) []string {
	var refs []string
	_ = walk(ex, func(n *model.Exchange) error {
		if n.Request != nil && n.Request.BodyRef != "" {
			refs = append(refs, n.Request.BodyRef)
			n.Request.BodyRef = ""
		}
		if n.Response != nil && n.Response.BodyRef != "" {
			refs = append(refs, n.Response.BodyRef)
			n.Response.BodyRef = ""
		}
		return nil
	})
	return refs
}
