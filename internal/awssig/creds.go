// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package awssig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DeriveFn derives a signing key from an endpoint, key ID,
// secret, session token, region, and service.
//
// The simplest implementation of DeriveFn is just a call
// to DeriveKey, but callers that need to adjust region or
// service (for example, re-deriving after discovering a
// bucket's true region) can supply their own.
type DeriveFn func(baseURI, id, secret, token, region, service string) (*SigningKey, error)

// DefaultDerive calls DeriveKey and populates the session
// token if one is present.
func DefaultDerive(baseURI, id, secret, token, region, service string) (*SigningKey, error) {
	k := DeriveKey(baseURI, id, secret, region, service)
	k.Token = token
	return k, nil
}

// AmbientCreds tries to find AWS credentials from:
//
//  1. AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, and
//     AWS_REGION/AWS_DEFAULT_REGION environment variables
//     (AWS_REGION takes precedence).
//  2. The config files in $HOME/.aws/config and
//     $HOME/.aws/credentials.
//  3. The IAM role attached to the EC2 instance profile, if any,
//     discovered and fetched through instance metadata.
//
// AmbientCreds additionally respects AWS_CONFIG_FILE,
// AWS_SHARED_CREDENTIALS_FILE, and AWS_PROFILE/AWS_DEFAULT_PROFILE.
// A missing config or credentials file is not an error — it just
// means that source contributed nothing — but a present-but-invalid
// file (SSO profile, world-writeable permissions) still is.
func AmbientCreds() (id, secret, region, token string, err error) {
	envdefault := func(base string, env ...string) string {
		for _, e := range env {
			if x := os.Getenv(e); x != "" {
				return x
			}
		}
		return base
	}

	id = envdefault("", "AWS_ACCESS_KEY_ID")
	secret = envdefault("", "AWS_SECRET_ACCESS_KEY")
	region = envdefault("", "AWS_REGION", "AWS_DEFAULT_REGION")
	token = envdefault("", "AWS_SESSION_TOKEN")

	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", "", "", fmt.Errorf("trying to find $HOME: %w", err)
	}

	profile := envdefault("default", "AWS_PROFILE", "AWS_DEFAULT_PROFILE")

	// https://docs.aws.amazon.com/sdkref/latest/guide/file-location.html
	configfile := envdefault(filepath.Join(home, ".aws", "config"), "AWS_CONFIG_FILE")
	credentialsfile := envdefault(filepath.Join(home, ".aws", "credentials"), "AWS_SHARED_CREDENTIALS_FILE")

	if region == "" {
		f, ferr := os.Open(configfile)
		if ferr == nil {
			defer f.Close()
			var ssoStartURL string
			err = scan(f, fmt.Sprintf("profile %s", profile), []scanspec{
				{"region", &region},
				{"sso_start_url", &ssoStartURL},
			})
			if err != nil {
				return "", "", "", "", err
			}
			if ssoStartURL != "" {
				return "", "", "", "", errors.New("SSO profiles are not supported")
			}
		} else if !errors.Is(ferr, fs.ErrNotExist) {
			return "", "", "", "", ferr
		}
	}

	if id == "" || secret == "" {
		f, ferr := os.Open(credentialsfile)
		if ferr == nil {
			defer f.Close()
			info, serr := f.Stat()
			if serr != nil {
				return "", "", "", "", fmt.Errorf("examining credentials: %w", serr)
			}
			if err := check(info); err != nil {
				return "", "", "", "", err
			}
			err = scan(f, profile, []scanspec{
				{"aws_access_key_id", &id},
				{"aws_secret_access_key", &secret},
			})
			if err != nil {
				return "", "", "", "", err
			}

			// a credentials file never contains a session token
			token = ""
		} else if !errors.Is(ferr, fs.ErrNotExist) {
			return "", "", "", "", ferr
		}
	}

	if id == "" || secret == "" || region == "" {
		if ec2ID, ec2Secret, ec2Region, ec2Token, ec2Err := ec2RoleCreds(); ec2Err == nil {
			if id == "" || secret == "" {
				id, secret, token = ec2ID, ec2Secret, ec2Token
			}
			if region == "" {
				region = ec2Region
			}
		}
	}

	if id == "" || secret == "" {
		return "", "", "", "", fmt.Errorf("unable to determine id or secret")
	}
	if region == "" {
		return "", "", "", "", fmt.Errorf("unable to determine region")
	}
	return
}

// AmbientKey tries to produce a signing key from the ambient
// filesystem and environment. The key is derived using derive,
// unless it is nil, in which case DefaultDerive is used.
func AmbientKey(service string, derive DeriveFn) (*SigningKey, error) {
	if derive == nil {
		derive = DefaultDerive
	}

	id, secret, region, token, err := AmbientCreds()
	if err != nil {
		return nil, err
	}

	var baseURI string
	switch service {
	case "s3":
		baseURI = S3EndPoint(region)
	default:
		return nil, fmt.Errorf("unknown service %s", service)
	}

	return derive(baseURI, id, secret, token, region, service)
}

// S3EndPoint returns the endpoint of the object storage service,
// honoring the S3_ENDPOINT environment variable override so that
// S3-compatible stores (MinIO, etc.) can be targeted.
func S3EndPoint(region string) string {
	endPoint := os.Getenv("S3_ENDPOINT")
	if endPoint == "" {
		endPoint = fmt.Sprintf("https://s3.%s.amazonaws.com", region)
	}
	return strings.TrimSuffix(endPoint, "/")
}

type scanspec struct {
	prefix string
	dst    *string
}

func isSection(line, section string, matched bool) bool {
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '[' || line[len(line)-1] != ']' {
		return matched
	}
	return section == strings.TrimSpace(line[1:len(line)-1])
}

func scan(in io.Reader, section string, into []scanspec) error {
	s := bufio.NewScanner(in)
	matched := false
	for s.Scan() && len(into) > 0 {
		line := strings.TrimSpace(s.Text())
		matched = isSection(line, section, matched)
		if !matched {
			continue
		}
		// we are trying to match
		//   prefix (space*) '=' (space*) suffix
		for i := 0; i < len(into); i++ {
			before, after, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			before = strings.TrimSpace(before)
			if before == into[i].prefix {
				*into[i].dst = strings.TrimSpace(after)
				into[i], into = into[len(into)-1], into[:len(into)-1]
			}
		}
	}
	if len(into) > 0 {
		return s.Err()
	}
	return nil
}

// credentials are never loaded from world-writeable locations
func check(info fs.FileInfo) error {
	mode := info.Mode()
	if mode&2 != 0 {
		return fmt.Errorf("%s is world-writeable %o", info.Name(), mode)
	}
	if kind := mode & fs.ModeType; kind != fs.ModeDir && kind != 0 {
		return fmt.Errorf("%s is a special file", info.Name())
	}
	return nil
}

// EC2Role derives a signing key straight from whatever IAM role is
// attached to this instance's profile, skipping the env/file checks
// AmbientCreds runs first. AmbientCreds itself falls back to the same
// instance-metadata lookup (via ec2RoleCreds below) when neither
// environment variables nor config files yield a complete credential
// set, so a process running purely on an EC2 instance profile still
// succeeds without calling EC2Role directly.
func EC2Role(service string, derive DeriveFn) (*SigningKey, error) {
	if derive == nil {
		derive = DefaultDerive
	}
	id, secret, region, token, err := ec2RoleCreds()
	if err != nil {
		return nil, err
	}
	sk, err := derive("", id, secret, token, region, service)
	if err != nil {
		return nil, err
	}
	sk.Token = token
	return sk, nil
}

// ec2RoleCreds discovers the IAM role attached to this instance's
// profile and fetches its current temporary credentials and region
// via instance metadata (the same IMDSv2 token-then-GET dance
// internal/hostid's EC2 probe uses, against the same endpoint).
func ec2RoleCreds() (id, secret, region, token string, err error) {
	roleName, err := MetadataString("iam/security-credentials/")
	if err != nil {
		return "", "", "", "", err
	}
	roleName = strings.TrimSpace(roleName)
	if roleName == "" {
		return "", "", "", "", fmt.Errorf("no EC2 instance role attached")
	}

	k := struct {
		AccessKeyID     string    `json:"AccessKeyId"`
		SecretAccessKey string    `json:"SecretAccessKey"`
		Token           string    `json:"Token"`
		Expiration      time.Time `json:"Expiration"`
	}{}
	if err := MetadataJSON("iam/security-credentials/"+roleName, &k); err != nil {
		return "", "", "", "", err
	}
	region, err = ec2Region()
	if err != nil {
		return "", "", "", "", err
	}
	return k.AccessKeyID, k.SecretAccessKey, region, k.Token, nil
}
