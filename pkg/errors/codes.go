// Copyright 2025 Tom Barlow
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

package errors

// Stable error codes returned to tool callers. These values are part of the
// public contract and must not change.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidState        = "INVALID_STATE"
	CodeSessionLimit        = "SESSION_LIMIT"
	CodeLaunchFailed        = "LAUNCH_FAILED"
	CodeAttachFailed        = "ATTACH_FAILED"
	CodeEvalError           = "EVAL_ERROR"
	CodeInvalidVariable     = "INVALID_VARIABLE"
	CodeInspectionError     = "INSPECTION_ERROR"
	CodeInvalidMode         = "INVALID_MODE"
	CodeMissingExpression   = "MISSING_EXPRESSION"
	CodeInvalidAction       = "INVALID_ACTION"
	CodeInvalidArgs         = "INVALID_ARGS"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeUnsupportedRuntime  = "UNSUPPORTED_RUNTIME"
	CodeRuntimeNotAvailable = "RUNTIME_NOT_AVAILABLE"
	CodeNoProcess           = "NO_PROCESS"
	CodeMultipleProcesses   = "MULTIPLE_PROCESSES"
	CodeContainerNotFound   = "CONTAINER_NOT_FOUND"
	CodeContainerNotRunning = "CONTAINER_NOT_RUNNING"
	CodeContainerExecError  = "CONTAINER_EXEC_ERROR"
	CodeContainerSecurity   = "CONTAINER_SECURITY_ERROR"
	CodeContainerError      = "CONTAINER_ERROR"
	CodeNoEndpoint          = "NO_ENDPOINT"
	CodeSSHError            = "SSH_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeProtocolError       = "PROTOCOL_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
)
