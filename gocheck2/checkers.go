// Extensions to the go-check unittest framework.
package gocheck2

import (
	"bytes"

	. "gopkg.in/check.v1"
)

// -----------------------------------------------------------------------
// IsTrue / IsFalse checker.

type isBoolValueChecker struct {
	*CheckerInfo
	expected bool
}

func (checker *isBoolValueChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	error string) {

	obtained, ok := params[0].(bool)
	if !ok {
		return false, "Argument to " + checker.Name + " must be bool"
	}

	return obtained == checker.expected, ""
}

// The IsTrue checker verifies that the obtained value is true.
//
//	c.Assert(value, IsTrue)
var IsTrue Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"obtained"}},
	true,
}

// The IsFalse checker verifies that the obtained value is false.
//
//	c.Assert(value, IsFalse)
var IsFalse Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"obtained"}},
	false,
}

// -----------------------------------------------------------------------
// HasPrefix checker.

type hasPrefixChecker struct {
	*CheckerInfo
}

func asBytes(v interface{}) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		return t, true
	case string:
		return []byte(t), true
	default:
		return nil, false
	}
}

func (checker *hasPrefixChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	error string) {

	obtained, ok := asBytes(params[0])
	if !ok {
		return false, "Obtained value must be a string or []byte"
	}
	prefix, ok := asBytes(params[1])
	if !ok {
		return false, "Prefix must be a string or []byte"
	}
	return bytes.HasPrefix(obtained, prefix), ""
}

// The HasPrefix checker verifies that a string or []byte starts with the
// given prefix, which may also be either type.
//
//	c.Assert(handshake, HasPrefix, Header)
var HasPrefix Checker = &hasPrefixChecker{
	&CheckerInfo{Name: "HasPrefix", Params: []string{"obtained", "prefix"}},
}
