// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dragnet/internal/errors"
)

func TestTeeSinkFansOut(t *testing.T) {
	a := &memSink{}
	b := &memSink{}
	tee := NewTeeSink(a, b)

	for i := 0; i < 3; i++ {
		require.NoError(t, tee.Append(Packet{Flow: "f", Data: []byte{byte(i)}}))
	}
	require.NoError(t, tee.Flush())
	require.NoError(t, tee.Close())

	assert.Equal(t, 3, a.count())
	assert.Equal(t, 3, b.count())
	assert.Equal(t, 1, a.flushes)
	assert.Equal(t, 1, b.flushes)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestTeeSinkKeepsDeliveringPastFailures(t *testing.T) {
	bad := &memSink{failErr: errors.New(errors.KindInternal, "disk gone")}
	good := &memSink{}
	tee := NewTeeSink(bad, good)

	err := tee.Append(Packet{Flow: "f"})
	require.Error(t, err)
	assert.Equal(t, 1, good.count(), "healthy sink must still receive the record")
}

func TestTeeSinkSingleSinkUnwrapped(t *testing.T) {
	only := &memSink{}
	assert.Same(t, Sink(only), NewTeeSink(only))
}
