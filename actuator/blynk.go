// Copyright 2022 The feedcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// maxResponseBytes cap on how much of a Blynk response is read
const maxResponseBytes = 64 * 1024

// Controller client for the Blynk device driving the feeder
type Controller interface {
	// SetActive drive the feed pin high
	SetActive(ctx context.Context) error
	// SetRest drive the feed pin low
	SetRest(ctx context.Context) error
	/*
		ReadSensors read the current value of every configured sensor pin

		 @param ctx context.Context - the call context
		 @return sensor name to value. Values are decoded as JSON where possible.
	*/
	ReadSensors(ctx context.Context) (map[string]interface{}, error)
}

// BlynkParams construction parameters for the Blynk client
type BlynkParams struct {
	BaseURL    string            `validate:"required,url"`
	Token      string            `validate:"required"`
	FeedPin    string            `validate:"required"`
	SensorPins map[string]string `validate:"dive,keys,required,endkeys,required"`
	// Client HTTP client. Call deadlines come from the caller's context.
	Client *http.Client
}

// blynkController implements Controller
type blynkController struct {
	goutils.Component
	BlynkParams
	baseURL *url.URL
}

// GetBlynkController define a new Blynk HTTP API client
func GetBlynkController(params BlynkParams) (Controller, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(strings.TrimRight(params.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	if params.Client == nil {
		params.Client = &http.Client{}
	}
	logTags := log.Fields{
		"module": "actuator", "component": "blynk", "instance": parsed.Host,
	}
	return &blynkController{
		Component:   goutils.Component{LogTags: logTags},
		BlynkParams: params,
		baseURL:     parsed,
	}, nil
}

// endpoint build "<base>/external/api/<op>?token=<T>&<pinQuery>"
func (c *blynkController) endpoint(op string, pinQuery string) string {
	target := *c.baseURL
	target.Path = target.Path + "/external/api/" + op
	target.RawQuery = "token=" + url.QueryEscape(c.Token) + "&" + pinQuery
	return target.String()
}

func (c *blynkController) call(ctx context.Context, op string, pinQuery string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(op, pinQuery), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		// The request URL carries the token
		if urlErr, ok := err.(*url.Error); ok {
			return nil, fmt.Errorf("blynk %s %s failed: %w", op, pinQuery, urlErr.Err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf(
			"blynk %s %s returned %d: %s", op, pinQuery, resp.StatusCode, strings.TrimSpace(string(body)),
		)
	}
	return body, nil
}

func (c *blynkController) setFeedPin(ctx context.Context, value int) error {
	pinQuery := fmt.Sprintf("%s=%d", url.QueryEscape(c.FeedPin), value)
	if _, err := c.call(ctx, "update", pinQuery); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to set %s", pinQuery)
		return err
	}
	log.WithFields(c.LogTags).Debugf("Set %s", pinQuery)
	return nil
}

func (c *blynkController) SetActive(ctx context.Context) error {
	return c.setFeedPin(ctx, 1)
}

func (c *blynkController) SetRest(ctx context.Context) error {
	return c.setFeedPin(ctx, 0)
}

func (c *blynkController) ReadSensors(ctx context.Context) (map[string]interface{}, error) {
	names := make([]string, 0, len(c.SensorPins))
	for name := range c.SensorPins {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make(map[string]interface{}, len(names))
	for _, name := range names {
		pin := c.SensorPins[name]
		body, err := c.call(ctx, "get", url.QueryEscape(pin))
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Failed to read sensor %s", name)
			return nil, err
		}
		result[name] = decodePinValue(body)
	}
	return result, nil
}

// decodePinValue a single pin read returns a bare JSON value, or plain text on older servers
func decodePinValue(body []byte) interface{} {
	var value interface{}
	if err := json.Unmarshal(body, &value); err == nil {
		return value
	}
	return strings.TrimSpace(string(body))
}
