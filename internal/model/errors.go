package model

import (
	"errors"
)

var (
	ErrDuplicateJob = errors.New("duplicate job name")
)
