//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package scriptstep

import (
	"errors"
)

// Error categories. Errors returned by Step.Run wrap exactly one of these
// (two when cleanup also failed) together with the underlying cause.
var (
	ErrTemplateNotFound  = errors.New("template not found")
	ErrMalformedTemplate = errors.New("malformed template")
	ErrArgumentExpansion = errors.New("argument expansion failed")
	ErrStaging           = errors.New("staging failed")
	ErrLaunch            = errors.New("launch failed")
	ErrCleanup           = errors.New("cleanup failed")
)

// Outcome labels used for the executions metric.
const (
	OutcomeSuccess        = "success"
	OutcomeFailure        = "failure"
	OutcomeNotFound       = "not_found"
	OutcomeMalformed      = "malformed"
	OutcomeExpansionError = "expansion_error"
	OutcomeStagingError   = "staging_error"
	OutcomeLaunchError    = "launch_error"
	OutcomeCleanupError   = "cleanup_error"
)

var outcomes = []struct {
	err   error
	label string
}{
	{ErrTemplateNotFound, OutcomeNotFound},
	{ErrMalformedTemplate, OutcomeMalformed},
	{ErrArgumentExpansion, OutcomeExpansionError},
	{ErrStaging, OutcomeStagingError},
	{ErrLaunch, OutcomeLaunchError},
	{ErrCleanup, OutcomeCleanupError},
}

// Outcome maps an error returned by Step.Run to its metric label. A nil
// error maps to OutcomeSuccess; an error outside the taxonomy to
// OutcomeFailure. When several categories match, the earliest stage wins.
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.label
		}
	}
	return OutcomeFailure
}

func outcomeOf(res Result, err error) string {
	if err == nil && !res.Succeeded {
		return OutcomeFailure
	}
	return Outcome(err)
}
