package apikey_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-instance-auth"
	"github.com/goliatone/go-instance-auth/middleware/apikey"
)

type stubResolver struct {
	instances map[string]*auth.Instance
	calls     []string
}

func (s *stubResolver) LookupByKey(_ context.Context, key string) (*auth.Instance, error) {
	s.calls = append(s.calls, key)
	instance, ok := s.instances[key]
	if !ok || !instance.IsActive {
		return nil, auth.ErrInvalidCredential
	}
	return instance, nil
}

func run(mw router.MiddlewareFunc, ctx router.Context) (bool, error) {
	called := false
	err := mw(func(c router.Context) error {
		called = true
		return nil
	})(ctx)
	return called, err
}

func TestAPIKeyMiddleware(t *testing.T) {
	active := &auth.Instance{ID: uuid.New(), Host: "svc1", IsActive: true}
	inactive := &auth.Instance{ID: uuid.New(), Host: "svc2", IsActive: false}

	resolver := &stubResolver{instances: map[string]*auth.Instance{
		"good-key":     active,
		"disabled-key": inactive,
	}}

	t.Run("active key passes and stores instance", func(t *testing.T) {
		mw := apikey.New(apikey.Config{Resolver: resolver})

		ctx := router.NewMockContext()
		ctx.On("Context").Return(context.Background())
		ctx.On("GetString", apikey.DefaultHeader, "").Return("good-key")
		ctx.On("Locals", auth.DefaultInstanceKey, active).Return(nil)

		called, err := run(mw, ctx)
		require.NoError(t, err)
		assert.True(t, called)
		ctx.AssertExpectations(t)
	})

	rejected := []struct {
		name string
		key  string
	}{
		{name: "missing key", key: ""},
		{name: "unknown key", key: "nope"},
		{name: "inactive instance", key: "disabled-key"},
	}

	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			mw := apikey.New(apikey.Config{Resolver: resolver})

			ctx := router.NewMockContext()
			ctx.On("Context").Return(context.Background())
			ctx.On("GetString", apikey.DefaultHeader, "").Return(tc.key)

			var res auth.Response[any]
			ctx.On("JSON", http.StatusUnauthorized, mock.Anything).Run(func(args mock.Arguments) {
				res = args.Get(1).(auth.Response[any])
			}).Return(nil)

			called, err := run(mw, ctx)
			require.NoError(t, err)
			assert.False(t, called)
			assert.False(t, res.Success)
			assert.Equal(t, auth.ResultCodeFailure, res.ResultCode)
			assert.Nil(t, res.Data)
		})
	}
}

func TestAPIKeyMiddlewareRequiresResolver(t *testing.T) {
	assert.Panics(t, func() {
		apikey.New()
	})
}
