// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"context"
)

// CheckArguments runs a plugin's own argument predicate against args.
// Plugins without a validator accept everything. A predicate that fails to
// run at all is reported the same way as one that rejects, with the runtime
// failure attached as the cause.
func CheckArguments(ctx context.Context, d *Descriptor, args any) error {
	if d.validate == nil {
		return nil
	}
	ok, err := d.validate.ValidateArguments(ctx, args)
	if err != nil {
		return &ArgumentValidationError{Plugin: d.Name, Args: args, Err: err}
	}
	if !ok {
		return &ArgumentValidationError{Plugin: d.Name, Args: args}
	}
	return nil
}
