package device

import "errors"

// ErrInvalidReading is returned by Upsert when a reading lacks a device id or
// category.
var ErrInvalidReading = errors.New("device: invalid reading")
