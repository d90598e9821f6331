//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClientBuilder(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := DefaultClientBuilder(WithClientBuilderURL("redis://" + mr.Addr()))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestDefaultClientBuilder_Errors(t *testing.T) {
	_, err := DefaultClientBuilder()
	assert.Error(t, err)
	_, err = DefaultClientBuilder(WithClientBuilderURL("http://not-redis"))
	assert.Error(t, err)
}

func TestRegisterRedisInstance(t *testing.T) {
	RegisterRedisInstance("scripts", WithClientBuilderURL("redis://localhost:6379"))
	opts, ok := GetRedisInstance("scripts")
	require.True(t, ok)
	require.Len(t, opts, 1)
	o := &ClientBuilderOpts{}
	opts[0](o)
	assert.Equal(t, "redis://localhost:6379", o.URL)

	_, ok = GetRedisInstance("nope")
	assert.False(t, ok)
}
