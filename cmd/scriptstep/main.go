//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Command scriptstep runs managed script templates from the command line
// and serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp(ctx).Run(os.Args)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
