//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the span names, attribute keys and metric
// instruments shared by the script step and its hosts.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// telemetry service constants.
const (
	ServiceName      = "scriptstep"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-managed-script"
	InstrumentName   = "trpc.managed.script"

	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Span names.
const (
	SpanExecute = "scriptstep.execute"
	SpanStage   = "scriptstep.stage"
	SpanLaunch  = "scriptstep.launch"
	SpanCleanup = "scriptstep.cleanup"
)

// Metric names.
const (
	MeterNameStep = "trpc.managed.script.step"

	MetricExecutions      = "scriptstep.executions"
	MetricCleanupFailures = "scriptstep.cleanup.failures"
	MetricDuration        = "scriptstep.duration"
)

// Attribute keys.
const (
	KeyScriptID     = attribute.Key("scriptstep.script.id")
	KeyScriptKind   = attribute.Key("scriptstep.script.kind")
	KeyHost         = attribute.Key("scriptstep.host")
	KeyOutcome      = attribute.Key("scriptstep.outcome")
	KeyExitCode     = attribute.Key("scriptstep.exit_code")
	KeyRemotePath   = attribute.Key("scriptstep.remote_path")
	KeyInterpreter  = attribute.Key("scriptstep.interpreter")
	KeyArgumentMode = attribute.Key("scriptstep.argument_mode")
)

// Instruments default to noop until a meter provider is installed.
var (
	MeterProvider metric.MeterProvider = noop.NewMeterProvider()

	StepMeter                 metric.Meter            = MeterProvider.Meter(MeterNameStep)
	StepMetricExecutions      metric.Int64Counter     = noop.Int64Counter{}
	StepMetricCleanupFailures metric.Int64Counter     = noop.Int64Counter{}
	StepMetricDuration        metric.Float64Histogram = noop.Float64Histogram{}
)
