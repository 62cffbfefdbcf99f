package service

import "errors"

var (
	ErrAccountExists      = errors.New("user with this email or username already exists")
	ErrAccountNotFound    = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidFileFormat  = errors.New("invalid file format. only .jpg, .jpeg, .png, .gif, .webp are allowed")
	ErrFileSizeExceeded   = errors.New("file size exceeds limit")
	ErrMissingFile        = errors.New("no file uploaded")
	ErrMailDispatch       = errors.New("failed to send email")
)
