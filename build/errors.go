// Package build collects small error-wrapping and invariant-checking
// helpers. The engine packages wrap errors with fmt.Errorf and do not
// call ExtendErr, ComposeErrors or JoinErrors.
package build

import (
	"errors"
	"strings"
)

// ComposeErrors takes multiple errors and joins them into a single error
// with a combined message. Nil inputs are stripped; if every input is nil,
// ComposeErrors returns nil.
func ComposeErrors(errs ...error) error {
	var errStrings []string
	for _, err := range errs {
		if err != nil {
			errStrings = append(errStrings, err.Error())
		}
	}
	if len(errStrings) == 0 {
		return nil
	}
	return errors.New(strings.Join(errStrings, "; "))
}

// ExtendErr returns a new error that prefixes err with a context string. A
// nil err yields a nil result, so call sites can wrap unconditionally:
//
//	return build.ExtendErr("failed to commit replication job", err)
func ExtendErr(s string, err error) error {
	if err == nil {
		return nil
	}
	return errors.New(s + ": " + err.Error())
}

// JoinErrors concatenates the non-nil elements of errs, separated by sep.
// It returns nil if errs has no non-nil elements.
func JoinErrors(errs []error, sep string) error {
	var strs []string
	for _, err := range errs {
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	if len(strs) == 0 {
		return nil
	}
	return errors.New(strings.Join(strs, sep))
}
