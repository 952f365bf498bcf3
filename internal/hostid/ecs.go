package hostid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
)

const (
	ecsV4EndpointVar = "ECS_CONTAINER_METADATA_URI_V4"
	ecsV3EndpointVar = "ECS_CONTAINER_METADATA_URI"
	ecsV2Endpoint    = "169.254.170.2/v2/metadata"
)

var taskARNPattern = regexp.MustCompile(`arn:[^:]+:ecs:[^:]+:[0-9]{12}:task/(.*)$`)

type ecsTaskMetadata struct {
	TaskARN string `json:"TaskARN"`
}

func errStatus(code int) error {
	return fmt.Errorf("unexpected status %d", code)
}

// fromECS tries the v4 task-metadata endpoint, then the v3 endpoint,
// then the fixed v2 fallback, in that order, returning the first
// task ID it can extract from a TaskARN.
func fromECS(ctx context.Context) (string, bool) {
	if base := os.Getenv(ecsV4EndpointVar); base != "" {
		if id, ok := ecsTaskID(ctx, base+"/task"); ok {
			return id, true
		}
	}
	if base := os.Getenv(ecsV3EndpointVar); base != "" {
		if id, ok := ecsTaskID(ctx, base+"/task"); ok {
			return id, true
		}
	}
	if id, ok := ecsTaskID(ctx, "http://"+ecsV2Endpoint); ok {
		return id, true
	}
	return "", false
}

func ecsTaskID(ctx context.Context, endpoint string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", false
	}

	var meta ecsTaskMetadata
	if err := json.NewDecoder(res.Body).Decode(&meta); err != nil {
		return "", false
	}

	m := taskARNPattern.FindStringSubmatch(meta.TaskARN)
	if m == nil {
		return "", false
	}
	return m[1], true
}
