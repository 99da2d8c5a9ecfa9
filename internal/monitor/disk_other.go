//go:build !linux

package monitor

import "errors"

func diskUsage(path string) (float64, error) {
	return 0, errors.New("disk sampling is only supported on linux")
}
