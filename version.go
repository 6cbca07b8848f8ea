package bthal

import (
	"github.com/blang/semver"
)

var CurrentVersion = semver.MustParse("1.2.0")
