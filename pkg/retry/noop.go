// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package retry

import "context"

// Noop is the disabled retry strategy. Every call succeeds without effect and
// the backend always reports itself as not started.
type Noop struct{}

var _ Backend = Noop{}

func (Noop) Start(context.Context) error { return nil }

func (Noop) Stop() {}

func (Noop) IsStarted() bool { return false }

func (Noop) AddRetry(context.Context, []*Message) error { return nil }

func (Noop) RetrySuccess(context.Context, string, string, []string) error { return nil }

func (Noop) RetryError(context.Context, string, string, []string) error { return nil }

func (Noop) RetryExpire(context.Context, string, string, []string) error { return nil }

func (Noop) GetRetry(string, string, int, int64) ([]*Message, error) { return nil, nil }

func (Noop) CountRetry(string, string) (int, error) { return 0, nil }

func (Noop) SetRetryPolicyProvider(PolicyProvider) {}
