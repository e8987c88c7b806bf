// Copyright 2024 The Nexus Authors
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

package nexuspb

import "encoding/json"

// Result codes (§6/§7): every handler response body is a Result, carrying
// the result_code/error_code contract alongside whatever typed payload the
// request produced.
const (
	ResultOK       = 200
	ResultFail     = 500
	ResultNotFound = 300
	ResultConflict = 400
	ResultNoRight  = 403
)

// Error codes qualify a ResultFail with a more specific cause.
const (
	ErrorCodeNone       = 0
	ErrorCodeBadRequest = 400 // ClientError: malformed payload, unknown field
	ErrorCodeForbidden  = 403 // AuthError: missing/invalid token, no permission
	ErrorCodeNoHandler  = 302 // Dispatcher: no handler registered for the type
)

// Result is the common response envelope every handler returns.
type Result struct {
	ResultCode int             `json:"resultCode"`
	ErrorCode  int             `json:"errorCode,omitempty"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewResult builds a success Payload (result_code=200) wrapping data.
func NewResult(reqType, module string, data interface{}) (*Payload, error) {
	return newResultPayload(reqType, module, ResultOK, ErrorCodeNone, "", data)
}

// NewErrorResult builds a failure Payload per §7's error taxonomy: a
// result_code (300/400/403/500) plus an optional error_code and a
// human-readable message, no data.
func NewErrorResult(reqType, module string, resultCode, errorCode int, message string) (*Payload, error) {
	return newResultPayload(reqType, module, resultCode, errorCode, message, nil)
}

func newResultPayload(reqType, module string, resultCode, errorCode int, message string, data interface{}) (*Payload, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return NewPayload(reqType, module, Result{ResultCode: resultCode, ErrorCode: errorCode, Message: message, Data: raw})
}
