//go:build !linux

package netns

import "fmt"

func newDataplane() (dataplane, error) {
	return nil, fmt.Errorf("network namespaces require linux")
}
