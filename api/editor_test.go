package api

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	stringType = reflect.TypeOf("")
)

func TestParameterEditor(t *testing.T) {
	tc := NewTransactionContext(NewXid(nil), NewXid(nil), Trying, ParticipantTrying)
	types := []reflect.Type{ctxType, TransactionContextType(), stringType}

	t.Run("default editor injects by position", func(t *testing.T) {
		editor, err := EditorOf("")
		require.NoError(t, err)

		args := []interface{}{nil, nil, "biz"}
		require.NoError(t, editor.Set(context.Background(), tc, types, args))
		assert.Same(t, tc, args[1])
		assert.Same(t, tc, editor.Get(context.Background(), types, args))
	})

	t.Run("default editor ignores methods without context parameter", func(t *testing.T) {
		editor, err := EditorOf(EditorDefault)
		require.NoError(t, err)

		args := []interface{}{nil, "biz"}
		require.NoError(t, editor.Set(context.Background(), tc, []reflect.Type{ctxType, stringType}, args))
		assert.Equal(t, []interface{}{nil, "biz"}, args)
		assert.Nil(t, editor.Get(context.Background(), []reflect.Type{ctxType, stringType}, args))
	})

	t.Run("parameter editor requires context parameter", func(t *testing.T) {
		editor, err := EditorOf(EditorParameter)
		require.NoError(t, err)
		assert.Error(t, editor.Set(context.Background(), tc, []reflect.Type{stringType}, []interface{}{"biz"}))
	})
}

func TestContextualEditor(t *testing.T) {
	editor, err := EditorOf(EditorContextual)
	require.NoError(t, err)
	tc := NewTransactionContext(NewXid(nil), NewXid(nil), Confirming, ParticipantTrySuccess)

	assert.Error(t, editor.Set(context.Background(), tc, nil, nil))
	assert.Nil(t, editor.Get(context.Background(), nil, nil))

	ctx, carrier := NewCarrierContext(context.Background())
	require.NoError(t, editor.Set(ctx, tc, nil, nil))
	assert.Same(t, tc, carrier.Get())
	assert.Same(t, tc, editor.Get(ctx, nil, nil))

	inbound := ContextWithTransactionContext(context.Background(), tc)
	assert.Same(t, tc, editor.Get(inbound, nil, nil))
}

func TestNullableEditor(t *testing.T) {
	editor, err := EditorOf(EditorNullable)
	require.NoError(t, err)
	tc := NewTransactionContext(NewXid(nil), NewXid(nil), Trying, ParticipantTrying)

	args := []interface{}{nil}
	require.NoError(t, editor.Set(context.Background(), tc, []reflect.Type{TransactionContextType()}, args))
	assert.Nil(t, args[0])
	assert.Nil(t, editor.Get(context.Background(), nil, []interface{}{tc}))
}

func TestRegisterEditor(t *testing.T) {
	require.Error(t, RegisterEditor(EditorDefault, nullableEditor{}))
	require.NoError(t, RegisterEditor("test-custom", nullableEditor{}))

	editor, err := EditorOf("test-custom")
	require.NoError(t, err)
	assert.NotNil(t, editor)

	_, err = EditorOf("missing")
	assert.Error(t, err)
}

func TestTransactionContextClone(t *testing.T) {
	tc := NewTransactionContext(NewXid("root"), NewBranchXid(NewXid("root"), 0), Cancelling, ParticipantTrySuccess)
	tc.Attachments = map[string]string{"k": "v"}

	clone := tc.Clone()
	clone.Attachments["k"] = "changed"
	assert.Equal(t, "v", tc.Attachments["k"])
	assert.True(t, tc.Xid.Equal(clone.Xid))
	assert.Equal(t, tc.Status, clone.Status)
}
