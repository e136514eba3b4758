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

// Package filter evaluates consumer subscription expressions against
// decoded messages. Tag expressions are literal alternatives ("A||B||C" or
// "*"); property expressions are a small SQL-like boolean language. Both
// are stateless and deterministic; an expression that fails to evaluate
// drops the message.
package filter

import (
	"fmt"
	"strings"
)

// Expression types carried in the subscription header.
const (
	ExpressionTag   = "TAG"
	ExpressionSQL92 = "SQL92"
)

// SubAll is the tag expression matching every message.
const SubAll = "*"

// Subscription is the parsed, immutable form of one subscription
// expression. Version ordering detects stale pull headers.
type Subscription struct {
	Topic          string
	Expression     string
	ExpressionType string
	Version        int64

	tags map[string]struct{}
	sql  node
}

// Build parses expr into a Subscription. An empty or "*" tag expression
// subscribes to everything.
func Build(topicName, expr, exprType string) (*Subscription, error) {
	sub := &Subscription{
		Topic:          topicName,
		Expression:     expr,
		ExpressionType: exprType,
	}
	if exprType == "" {
		sub.ExpressionType = ExpressionTag
	}
	switch sub.ExpressionType {
	case ExpressionTag:
		if expr == "" || expr == SubAll {
			sub.Expression = SubAll
			return sub, nil
		}
		sub.tags = make(map[string]struct{})
		for _, tag := range strings.Split(expr, "||") {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				return nil, fmt.Errorf("filter: empty tag in expression %q", expr)
			}
			sub.tags[tag] = struct{}{}
		}
		return sub, nil
	case ExpressionSQL92:
		parsed, err := parseSQL(expr)
		if err != nil {
			return nil, fmt.Errorf("filter: parse %q: %w", expr, err)
		}
		sub.sql = parsed
		return sub, nil
	default:
		return nil, fmt.Errorf("filter: unsupported expression type %q", exprType)
	}
}

// SubscribesAll reports whether the subscription keeps every message.
func (s *Subscription) SubscribesAll() bool {
	return s.ExpressionType == ExpressionTag && s.Expression == SubAll
}

// Match decides keep (true) or drop (false) for one message. Property
// expressions that error during evaluation drop the message.
func (s *Subscription) Match(tags string, properties map[string]string) bool {
	if s == nil {
		return true
	}
	switch s.ExpressionType {
	case ExpressionTag:
		if s.Expression == SubAll {
			return true
		}
		if tags == "" {
			return false
		}
		_, ok := s.tags[tags]
		return ok
	case ExpressionSQL92:
		ok, err := s.sql.eval(properties)
		if err != nil {
			return false
		}
		b, isBool := ok.(bool)
		return isBool && b
	default:
		return false
	}
}
