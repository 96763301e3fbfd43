package videogen

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	importRe    = regexp.MustCompile(`(?m)^\s*(from\s+manim\b|import\s+manim\b)`)
	sceneDefRe  = regexp.MustCompile(`(?m)^class\s+\w+\s*\(\s*\w*Scene\w*\s*\)\s*:`)
	constructRe = regexp.MustCompile(`(?m)^\s+def\s+construct\s*\(\s*self\s*\)\s*:`)
)

// ValidateProgram runs the deterministic syntactic checks on a generated
// scene program. It is a gate, not a compiler: it rejects obviously broken
// output (truncation, unbalanced brackets, missing scene class) before a
// render subprocess is spent on it.
func ValidateProgram(src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("program is empty")
	}
	if strings.Contains(src, "```") {
		return fmt.Errorf("program contains markdown fences")
	}
	if !importRe.MatchString(src) {
		return fmt.Errorf("program does not import manim")
	}
	if !sceneDefRe.MatchString(src) {
		return fmt.Errorf("program does not define a Scene subclass")
	}
	if !constructRe.MatchString(src) {
		return fmt.Errorf("scene class has no construct(self) method")
	}
	if err := checkBalanced(src); err != nil {
		return err
	}
	return nil
}

// checkBalanced scans for unbalanced brackets and unterminated strings,
// skipping bracket characters inside string literals and comments. Triple
// quotes are handled before single quotes.
func checkBalanced(src string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	i := 0
	n := len(src)
	for i < n {
		c := src[i]

		switch {
		case c == '#':
			for i < n && src[i] != '\n' {
				i++
			}
			continue
		case c == '"' || c == '\'':
			quote := c
			triple := i+2 < n && src[i+1] == quote && src[i+2] == quote
			if triple {
				end := strings.Index(src[i+3:], strings.Repeat(string(quote), 3))
				if end < 0 {
					return fmt.Errorf("unterminated triple-quoted string")
				}
				i += 3 + end + 3
				continue
			}
			j := i + 1
			for j < n {
				if src[j] == '\\' {
					j += 2
					continue
				}
				if src[j] == quote {
					break
				}
				if src[j] == '\n' {
					return fmt.Errorf("unterminated string literal")
				}
				j++
			}
			if j >= n {
				return fmt.Errorf("unterminated string literal")
			}
			i = j + 1
			continue
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Errorf("unbalanced %q", string(c))
			}
			stack = stack[:len(stack)-1]
		}
		i++
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", string(stack[len(stack)-1]))
	}
	return nil
}
