package hostid

import (
	"context"
	"io"
	"net/http"
)

const (
	ec2TokenURL      = "http://169.254.169.254/2020-10-27/api/token"
	ec2InstanceIDURL = "http://169.254.169.254/2020-10-27/metadata/instance-id"

	ec2TokenHeader    = "x-aws-ec2-metadata-token"
	ec2TokenTTLHeader = "x-aws-ec2-metadata-token-ttl-seconds"
	ec2TokenTTLValue  = "60"
)

// fromEC2 fetches the instance ID from the EC2 IMDSv2 endpoint. It
// tries to obtain a token first; if the token request fails, it
// still attempts the instance-id GET without a token header, since
// some environments run IMDSv1-only.
func fromEC2(ctx context.Context) (string, bool) {
	token, _ := ec2Token(ctx)
	id, err := ec2InstanceID(ctx, token)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func ec2Token(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ec2TokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(ec2TokenTTLHeader, ec2TokenTTLValue)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", errStatus(res.StatusCode)
	}
	buf, err := io.ReadAll(res.Body)
	return string(buf), err
}

func ec2InstanceID(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ec2InstanceIDURL, nil)
	if err != nil {
		return "", err
	}
	if token != "" {
		req.Header.Set(ec2TokenHeader, token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", errStatus(res.StatusCode)
	}
	buf, err := io.ReadAll(res.Body)
	return string(buf), err
}
