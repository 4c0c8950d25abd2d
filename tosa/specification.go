package tosa

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Profile is the numeric capability of a TOSA specification.
//
// It is a closed set: every switch over Profile handles all four values.
type Profile int

const (
	// ProfileBI is the TOSA 0.80 base-integer profile.
	ProfileBI Profile = iota + 1
	// ProfileMI is the TOSA 0.80 main-inference profile: base-integer plus floating point.
	ProfileMI
	// ProfileINT is the TOSA 1.0 integer profile.
	ProfileINT
	// ProfileFP is the TOSA 1.0 floating point profile.
	ProfileFP
)

var profileNames = map[Profile]string{
	ProfileBI:  "BI",
	ProfileMI:  "MI",
	ProfileINT: "INT",
	ProfileFP:  "FP",
}

// String implements fmt.Stringer.
func (p Profile) String() string {
	if name, ok := profileNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Profile(%d)", int(p))
}

// Specification identifies a target TOSA version and profile, e.g. "TOSA-1.0+INT".
//
// It is comparable and used as a dispatch key: equality is structural.
type Specification struct {
	Major, Minor int
	Profile      Profile
}

// Commonly used specifications.
var (
	Spec080BI = Specification{Major: 0, Minor: 80, Profile: ProfileBI}
	Spec080MI = Specification{Major: 0, Minor: 80, Profile: ProfileMI}
	Spec10INT = Specification{Major: 1, Minor: 0, Profile: ProfileINT}
	Spec10FP  = Specification{Major: 1, Minor: 0, Profile: ProfileFP}
)

const specificationPrefix = "TOSA-"

// ParseSpecification parses a token in the form "TOSA-<major>.<minor>+<PROFILE>".
//
// Major and minor are decimal numbers without leading zeros (so "0.80" is valid, "0.08" is not),
// and the profile is one of BI, MI, INT or FP. Errors are of type *ParseError.
func ParseSpecification(token string) (Specification, error) {
	fail := func(reason string) (Specification, error) {
		return Specification{}, &ParseError{Token: token, Reason: reason}
	}
	if !strings.HasPrefix(token, specificationPrefix) {
		return fail("missing \"TOSA-\" prefix")
	}
	rest := token[len(specificationPrefix):]
	version, profileName, found := strings.Cut(rest, "+")
	if !found {
		return fail("missing \"+<PROFILE>\" suffix")
	}
	majorStr, minorStr, found := strings.Cut(version, ".")
	if !found {
		return fail("version must be <major>.<minor>")
	}
	major, err := parseVersionNumber(majorStr)
	if err != nil {
		return fail("invalid major version: " + err.Error())
	}
	minor, err := parseVersionNumber(minorStr)
	if err != nil {
		return fail("invalid minor version: " + err.Error())
	}
	var profile Profile
	for p, name := range profileNames {
		if name == profileName {
			profile = p
			break
		}
	}
	if profile == 0 {
		return fail(fmt.Sprintf("unknown profile %q, valid profiles are BI, MI, INT and FP", profileName))
	}
	return Specification{Major: major, Minor: minor, Profile: profile}, nil
}

func parseVersionNumber(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, errors.Errorf("%q has leading zeros", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("%q is not a decimal number", s)
		}
	}
	return strconv.Atoi(s)
}

// MustParseSpecification is like ParseSpecification, but panics with an exception on errors.
func MustParseSpecification(token string) Specification {
	spec, err := ParseSpecification(token)
	if err != nil {
		exceptions.Panicf("%v", err)
	}
	return spec
}

// String returns the canonical token, the inverse of ParseSpecification.
func (s Specification) String() string {
	return fmt.Sprintf("%s%d.%d+%s", specificationPrefix, s.Major, s.Minor, s.Profile)
}

// IsZero returns whether the specification was not set.
func (s Specification) IsZero() bool {
	return s == Specification{}
}

// Is080 returns whether this is a TOSA 0.80 specification.
func (s Specification) Is080() bool {
	return s.Major == 0 && s.Minor == 80
}

// Is10 returns whether this is a TOSA 1.0 specification.
func (s Specification) Is10() bool {
	return s.Major == 1 && s.Minor == 0
}

// SupportsFloat returns whether the profile supports floating point operations.
func (s Specification) SupportsFloat() bool {
	switch s.Profile {
	case ProfileMI, ProfileFP:
		return true
	case ProfileBI, ProfileINT:
		return false
	}
	return false
}

// usesOperandEncoding returns whether the spec passes shifts, shapes and rescale parameters
// as constant operands (TOSA 1.0 and later) instead of operator attributes (TOSA 0.80).
func (s Specification) usesOperandEncoding() bool {
	return s.Major >= 1
}
