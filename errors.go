package pagebuddy

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ExhaustedError is the error wrapped into diagnostics when a page source cannot supply the requested pages.
// Allocation entry points signal exhaustion with a nil result rather than an error; this sentinel only shows
// up in logs and validation output.
var ExhaustedError error = errors.New("page source exhausted")
