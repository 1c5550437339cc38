package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/nodestore/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestFireRunsMatchingHandlersInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	folder := types.CmQName("folder")
	titled := types.CmQName("titled")
	var calls []string

	r.Register(OnCreateNode, titled, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "titled")
		return nil
	})
	r.Register(OnCreateNode, types.QName{}, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "any")
		return nil
	})
	r.Register(OnCreateNode, folder, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "folder")
		return nil
	})
	r.Register(OnCreateNode, types.CmQName("content"), func(ctx context.Context, ev *Event) error {
		calls = append(calls, "content")
		return nil
	})
	r.Register(OnDeleteNode, folder, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "delete")
		return nil
	})

	err := r.Fire(context.Background(), &Event{Kind: OnCreateNode}, []types.QName{folder, titled})
	assert.NoError(t, err)
	assert.Equal(t, []string{"titled", "any", "folder"}, calls)
	assert.True(t, r.HasHandlers(OnDeleteNode))
	assert.False(t, r.HasHandlers(OnMoveNode))
}

func TestFireStopsAtFirstError(t *testing.T) {
	r := NewRegistry()
	veto := errors.New("not allowed")
	ran := false

	r.Register(BeforeCreateNode, types.QName{}, func(ctx context.Context, ev *Event) error {
		return veto
	})
	r.Register(BeforeCreateNode, types.QName{}, func(ctx context.Context, ev *Event) error {
		ran = true
		return nil
	})

	err := r.Fire(context.Background(), &Event{Kind: BeforeCreateNode}, nil)
	assert.ErrorIs(t, err, veto)
	assert.False(t, ran)
}
