// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package container

import (
	"fmt"
	"time"
)

// AttachError is returned when the output stream of a started container
// could not be attached.
type AttachError struct {
	ContainerID string
	Err         error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to container %s: %v", e.ContainerID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// ContainerStartError is returned when a container could not be created or
// started, including image pull failures.
type ContainerStartError struct {
	Image string
	Err   error
}

func (e *ContainerStartError) Error() string {
	return fmt.Sprintf("start container for %s: %v", e.Image, e.Err)
}

func (e *ContainerStartError) Unwrap() error { return e.Err }

// ContainerTimeoutError is returned when a run exceeded its wall clock
// limit and was killed.
type ContainerTimeoutError struct {
	Image   string
	Timeout time.Duration
}

func (e *ContainerTimeoutError) Error() string {
	return fmt.Sprintf("container for %s timed out after %s", e.Image, e.Timeout)
}

// FunctionResultParseError is returned when the final output line does not
// decode to a function result.
type FunctionResultParseError struct {
	Image string
	Line  string
	Err   error
}

func (e *FunctionResultParseError) Error() string {
	return fmt.Sprintf("parse result of %s: %v", e.Image, e.Err)
}

func (e *FunctionResultParseError) Unwrap() error { return e.Err }
