//go:build !linux && !darwin

package fsutil

func diskUsage(string) (Usage, error) {
	return Usage{}, ErrUsageUnsupported
}
