package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// WithTimeout bounds every Execute call. A deadline hit surfaces as a
// transient error so the run retries instead of blocking indefinitely.
func WithTimeout(next Executor, timeout time.Duration) Executor {
	return Func(func(ctx context.Context, req Request) (Result, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := next.Execute(ctx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{}, NewTransient(fmt.Errorf("task %s timed out after %s", req.Kind, timeout))
			}
			return Result{}, err
		}
		return res, nil
	})
}

// WithValidation checks every output against its kind's schema. A violation
// is permanent: retrying a crew that produces malformed output wastes the
// retry budget a transient failure deserves.
func WithValidation(next Executor, schemas map[Kind]*gojsonschema.Schema) Executor {
	return Func(func(ctx context.Context, req Request) (Result, error) {
		schema, ok := schemas[req.Kind]
		if !ok {
			return Result{}, NewPermanent(fmt.Errorf("no schema for task kind %q", req.Kind))
		}
		res, err := next.Execute(ctx, req)
		if err != nil {
			return Result{}, err
		}
		verdict, err := schema.Validate(gojsonschema.NewGoLoader(res.Output))
		if err != nil {
			return Result{}, NewPermanent(fmt.Errorf("validate %s output: %w", req.Kind, err))
		}
		if !verdict.Valid() {
			var issues []string
			for _, desc := range verdict.Errors() {
				issues = append(issues, desc.String())
			}
			return Result{}, NewPermanent(fmt.Errorf("task %s output failed schema: %s", req.Kind, strings.Join(issues, "; ")))
		}
		return res, nil
	})
}
