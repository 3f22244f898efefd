package storage

import (
	"fmt"
	"strings"
)

const timelineArchiveFile = "timeline.json"

// TimelineArchivePath returns the object key of an order's archived timeline.
func TimelineArchivePath(orderID string) (string, error) {
	id, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("orders/%s/%s", id, timelineArchiveFile), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
