// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedef

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule is a declarative argument check. Expression is an expr-lang
// boolean expression with the call's arguments bound to args. When it
// evaluates to false the call is rejected with Message.
type Rule struct {
	Expression string `yaml:"rule" json:"rule"`
	Message    string `yaml:"message" json:"message"`
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// CompileRules compiles rules into a Validator. The rules run in
// order and the first failure wins. An empty rule list yields a nil
// Validator.
func CompileRules(rules []Rule) (Validator, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Expression == "" {
			return nil, fmt.Errorf("rule %d: empty expression", i)
		}
		if rule.Message == "" {
			rule.Message = fmt.Sprintf("validation failed: %s", rule.Expression)
		}
		program, err := expr.Compile(rule.Expression,
			expr.Env(ruleEnvironment(nil)),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compiling %q: %w", i, rule.Expression, err)
		}
		compiled = append(compiled, compiledRule{Rule: rule, program: program})
	}

	return func(args []any) error {
		environment := ruleEnvironment(args)
		for _, rule := range compiled {
			result, err := expr.Run(rule.program, environment)
			if err != nil {
				// Type errors such as comparing a string argument to a
				// number reject the call with the rule's own message.
				return errors.New(rule.Message)
			}
			if passed, _ := result.(bool); !passed {
				return errors.New(rule.Message)
			}
		}
		return nil
	}, nil
}

func ruleEnvironment(args []any) map[string]any {
	if args == nil {
		args = []any{}
	}
	return map[string]any{"args": args}
}
