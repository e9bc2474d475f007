package auth

import "errors"

var ErrInvalidKey = errors.New("auth: invalid key")
