//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-managed-script/scriptstep"
)

type runParam struct {
	ctx   context.Context
	step  *scriptstep.Step
	build scriptstep.Build
	id    string
	args  []string
	res   scriptstep.Result
	err   error
	done  chan struct{}
}

func (p *runParam) reset() {
	p.ctx = nil
	p.step = nil
	p.build = scriptstep.Build{}
	p.id = ""
	p.args = nil
	p.res = scriptstep.Result{}
	p.err = nil
	p.done = nil
}

var runParamPool = &sync.Pool{
	New: func() any { return new(runParam) },
}

// createRunPool returns a non-blocking pool: Invoke fails with
// ants.ErrPoolOverload once size runs are in flight.
func createRunPool(size int) (*ants.PoolWithFunc, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be greater than 0")
	}
	pool, err := ants.NewPoolWithFunc(size, func(args any) {
		param, ok := args.(*runParam)
		if !ok {
			panic("run pool args type error")
		}
		defer close(param.done)
		param.res, param.err = param.step.Run(param.ctx, param.build, param.id, param.args)
	}, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create run pool: %w", err)
	}
	return pool, nil
}

// run executes one step invocation on pool and waits for it.
func run(ctx context.Context, pool *ants.PoolWithFunc, step *scriptstep.Step,
	b scriptstep.Build, id string, args []string) (scriptstep.Result, error) {
	param := runParamPool.Get().(*runParam)
	defer func() {
		param.reset()
		runParamPool.Put(param)
	}()
	param.ctx = ctx
	param.step = step
	param.build = b
	param.id = id
	param.args = args
	param.done = make(chan struct{})
	if err := pool.Invoke(param); err != nil {
		return scriptstep.Result{}, err
	}
	<-param.done
	return param.res, param.err
}
