package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/metrics"
)

// CheckOwned returns a NotOwnedError when obj is explicitly tagged as not
// owned. Objects without the ownership attribute are treated as reclaimable.
func CheckOwned(obj *Object) error {
	owned, present := obj.ExtAttrs.Owned()
	if present && !owned {
		return &NotOwnedError{Kind: obj.Kind, Ref: obj.Ref, Name: obj.Name}
	}
	return nil
}

// CheckOwnedBy is CheckOwned, except that an object carrying the same port id
// as claim may always be reclaimed by that port. This overrides an explicit
// "Cloud API Owned" = False tag: a port tearing down records it tagged itself
// is never refused, even when the network was marked shared or external after
// the records were written.
func CheckOwnedBy(obj *Object, claim eas.Set) error {
	if port := claim[eas.PortID]; port != "" && obj.ExtAttrs[eas.PortID] == port {
		return nil
	}
	return CheckOwned(obj)
}

// DeleteOwned deletes obj after checking its ownership tag. A missing object
// is not an error.
func DeleteOwned(ctx context.Context, b Backend, obj *Object) error {
	return DeleteOwnedBy(ctx, b, obj, nil)
}

// DeleteOwnedBy deletes obj on behalf of claim, see CheckOwnedBy
func DeleteOwnedBy(ctx context.Context, b Backend, obj *Object, claim eas.Set) error {
	if obj == nil {
		return nil
	}
	if err := CheckOwnedBy(obj, claim); err != nil {
		metrics.OwnershipRefusals.WithLabelValues(string(obj.Kind)).Inc()
		log.G(ctx).WithError(err).Warn("delete refused")
		return err
	}
	if err := b.DeleteObject(ctx, obj.Kind, obj.Ref); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete %s %q: %w", obj.Kind, obj.Name, err)
	}
	return nil
}

// FindAndDelete deletes every object of kind matching filter, stopping at the
// first ownership violation
func FindAndDelete(ctx context.Context, b Backend, kind Kind, filter Filter) error {
	return FindAndDeleteBy(ctx, b, kind, filter, nil)
}

// FindAndDeleteBy is FindAndDelete on behalf of claim
func FindAndDeleteBy(ctx context.Context, b Backend, kind Kind, filter Filter, claim eas.Set) error {
	objs, err := b.FindObjects(ctx, kind, filter)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", kind, err)
	}
	for _, obj := range objs {
		if err := DeleteOwnedBy(ctx, b, obj, claim); err != nil {
			return err
		}
	}
	return nil
}

// UpdateExtAttrs replaces the tags of obj when they differ
func UpdateExtAttrs(ctx context.Context, b Backend, obj *Object, tags eas.Set) (*Object, error) {
	if obj == nil {
		return nil, nil
	}
	if obj.ExtAttrs.Equal(tags) {
		return obj, nil
	}
	payload := obj.Copy()
	payload.ExtAttrs = tags
	updated, err := b.UpdateObject(ctx, obj.Kind, obj.Ref, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to update tags of %s %q: %w", obj.Kind, obj.Name, err)
	}
	return updated, nil
}

// GetOrCreate returns the object of kind matching filter, creating payload
// when absent. A conflict on create means a concurrent writer won; the object
// is read back instead.
func GetOrCreate(ctx context.Context, b Backend, kind Kind, filter Filter, payload *Object) (*Object, bool, error) {
	var (
		obj     *Object
		created bool
	)
	err := Reconcile(ctx, DefaultAttempts, func(ctx context.Context) error {
		existing, err := b.GetObject(ctx, kind, filter)
		if err != nil {
			return err
		}
		if existing != nil {
			obj, created = existing, false
			return nil
		}
		obj, err = b.CreateObject(ctx, kind, payload)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure %s %q: %w", kind, payload.Name, err)
	}
	return obj, created, nil
}
