package quota

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := NewStatic(10)
	s.Set("gpu", 2)
	ctx := context.Background()

	n, err := s.Available(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = s.Available(ctx, "gpu")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	id, err := s.RequestIncrease(ctx, "gpu", 8)
	require.NoError(t, err)
	assert.Equal(t, "static-1", id)
	assert.Equal(t, []IncreaseRequest{{ID: "static-1", Class: "gpu", Desired: 8}}, s.Requests())
}

func TestCheck(t *testing.T) {
	s := NewStatic(4)
	n, err := Check(context.Background(), s, "cpu", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = Check(context.Background(), s, "cpu", 5)
	assert.True(t, errors.Is(err, ErrQuotaExceeded), "got %v", err)
	assert.Equal(t, 4, n)
}

func TestCheckOracleError(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	o := NewMockOracle(mockCtrl)
	o.EXPECT().Available(gomock.Any(), "cpu").Return(0, errors.New("throttled"))

	_, err := Check(context.Background(), o, "cpu", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQuotaExceeded))
}
