// Package utils contains small helpers shared across gateway packages.
package utils
