package matching

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BaSui01/holonflow/agent/capability"
)

// bound is one side of a range; open means unbounded.
type bound struct {
	v    float64
	open bool
}

type interval struct {
	lo, hi bound
}

func parseInterval(d capability.PropertyDescriptor) (interval, bool) {
	min, max := d.Bounds()
	var iv interval
	if min == "" {
		iv.lo.open = true
	} else {
		v, err := strconv.ParseFloat(min, 64)
		if err != nil {
			return iv, false
		}
		iv.lo.v = v
	}
	if max == "" {
		iv.hi.open = true
	} else {
		v, err := strconv.ParseFloat(max, 64)
		if err != nil {
			return iv, false
		}
		iv.hi.v = v
	}
	return iv, true
}

func (iv interval) contains(x, tol float64) bool {
	if !iv.lo.open && x < iv.lo.v-tol {
		return false
	}
	if !iv.hi.open && x > iv.hi.v+tol {
		return false
	}
	return true
}

// containsInterval reports whether iv fully contains other. An open bound on
// exactly one side of a comparison fails containment.
func (iv interval) containsInterval(other interval, tol float64) bool {
	if iv.lo.open != other.lo.open || iv.hi.open != other.hi.open {
		return false
	}
	if !iv.lo.open && other.lo.v < iv.lo.v-tol {
		return false
	}
	if !iv.hi.open && other.hi.v > iv.hi.v+tol {
		return false
	}
	return true
}

func (iv interval) containsText(s string, tol float64) bool {
	x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return false
	}
	return iv.contains(x, tol)
}

// checker evaluates compatibility between a required and an offered descriptor.
type checker struct {
	tol float64
}

// equal compares two scalar values. Numeric comparison applies when either
// descriptor declares a numeric type, or when both values parse as numbers.
func (c checker) equal(a, b string, numeric bool) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return math.Abs(fa-fb) <= c.tol
	}
	if numeric && (errA == nil) != (errB == nil) {
		return false
	}
	return strings.EqualFold(a, b)
}

// check returns "" when compatible, otherwise a failure code and reason.
func (c checker) check(req, off capability.PropertyDescriptor) (Code, string) {
	if req.IsWildcard() || off.IsWildcard() {
		return "", ""
	}
	numeric := req.IsNumeric() || off.IsNumeric()

	switch req.Kind() {
	case capability.KindValue:
		return c.checkValue(req, off, numeric)
	case capability.KindRange:
		return c.checkRange(req, off, numeric)
	case capability.KindList:
		return c.checkList(req, off, numeric)
	}
	return CodeNotCompatible, describe(req, off, "unsupported required kind")
}

func (c checker) checkValue(req, off capability.PropertyDescriptor, numeric bool) (Code, string) {
	switch off.Kind() {
	case capability.KindValue:
		if c.equal(req.Value(), off.Value(), numeric) {
			return "", ""
		}
		return CodeNotCompatible, describe(req, off, "values differ")
	case capability.KindRange:
		iv, ok := parseInterval(off)
		if ok && iv.containsText(req.Value(), c.tol) {
			return "", ""
		}
		return CodeNotInRange, describe(req, off, "value outside offered range")
	case capability.KindList:
		for _, v := range off.Values() {
			if c.equal(req.Value(), v, numeric) {
				return "", ""
			}
		}
		return CodeNotInAllowedValues, describe(req, off, "value not among offered values")
	}
	return CodeNotCompatible, describe(req, off, "unsupported offered kind")
}

func (c checker) checkRange(req, off capability.PropertyDescriptor, numeric bool) (Code, string) {
	reqIv, ok := parseInterval(req)
	if !ok {
		return CodeNotCompatible, describe(req, off, "required range is not numeric")
	}
	switch off.Kind() {
	case capability.KindRange:
		offIv, ok := parseInterval(off)
		if ok && offIv.containsInterval(reqIv, c.tol) {
			return "", ""
		}
		return CodeRangeMismatch, describe(req, off, "offered range does not contain required range")
	case capability.KindValue:
		if reqIv.containsText(off.Value(), c.tol) {
			return "", ""
		}
		return CodeNotInRange, describe(req, off, "offered value outside required range")
	case capability.KindList:
		for _, v := range off.Values() {
			if reqIv.containsText(v, c.tol) {
				return "", ""
			}
		}
		return CodeNotCompatible, describe(req, off, "no offered value inside required range")
	}
	return CodeNotCompatible, describe(req, off, "unsupported offered kind")
}

func (c checker) checkList(req, off capability.PropertyDescriptor, numeric bool) (Code, string) {
	required := req.Values()
	switch off.Kind() {
	case capability.KindList:
		for _, r := range required {
			for _, o := range off.Values() {
				if c.equal(r, o, numeric) {
					return "", ""
				}
			}
		}
		return CodeValuesMismatch, describe(req, off, "no common value")
	case capability.KindValue:
		for _, r := range required {
			if c.equal(r, off.Value(), numeric) {
				return "", ""
			}
		}
		return CodeNotInAllowedValues, describe(req, off, "offered value not among required values")
	case capability.KindRange:
		offIv, ok := parseInterval(off)
		if ok {
			for _, r := range required {
				if offIv.containsText(r, c.tol) {
					return "", ""
				}
			}
		}
		return CodeNotCompatible, describe(req, off, "offered range excludes every required value")
	}
	return CodeNotCompatible, describe(req, off, "unsupported offered kind")
}

func describe(req, off capability.PropertyDescriptor, why string) string {
	return fmt.Sprintf("%s: required %s, offered %s", why, req, off)
}
