package ciconfig

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expression rules:if 表达式, 编译为 expr 程序
type Expression struct {
	Source  string
	Code    string
	program *vm.Program
}

var (
	exprCacheMu sync.RWMutex
	exprCache   = map[string]*Expression{}
)

// CompileExpression 将 CI 变量表达式转换为 expr 并编译
//
//	$VAR                  变量非空
//	$VAR == "value"       比较, 未定义变量等于 null
//	$VAR =~ /regexp/i     正则匹配, !~ 取反
//	&& || ( )
func CompileExpression(source string) (*Expression, error) {
	exprCacheMu.RLock()
	cached, ok := exprCache[source]
	exprCacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	code, err := translate(source)
	if err != nil {
		return nil, fmt.Errorf("invalid expression syntax %q: %w", source, err)
	}
	program, err := expr.Compile(code,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid expression syntax %q: %w", source, err)
	}

	e := &Expression{Source: source, Code: code, program: program}
	exprCacheMu.Lock()
	exprCache[source] = e
	exprCacheMu.Unlock()
	return e, nil
}

// Evaluate 使用变量求值
func (e *Expression) Evaluate(vars map[string]string) (bool, error) {
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", e.Source, err)
	}
	return out.(bool), nil
}

type tokenKind int

const (
	tokVariable tokenKind = iota
	tokString
	tokRegexp
	tokNull
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	value string
	flags string
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case c == '$':
			j := i + 1
			for j < len(src) && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("empty variable name at %d", i)
			}
			tokens = append(tokens, token{kind: tokVariable, value: src[i+1 : j]})
			i = j
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			tokens = append(tokens, token{kind: tokString, value: src[i+1 : j]})
			i = j + 1
		case c == '/':
			var b strings.Builder
			j := i + 1
			for ; j < len(src) && src[j] != '/'; j++ {
				if src[j] == '\\' && j+1 < len(src) && src[j+1] == '/' {
					j++
				}
				b.WriteByte(src[j])
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated regexp at %d", i)
			}
			j++
			k := j
			for k < len(src) && unicode.IsLetter(rune(src[k])) {
				k++
			}
			tokens = append(tokens, token{kind: tokRegexp, value: b.String(), flags: src[j:k]})
			i = k
		case strings.HasPrefix(src[i:], "null"):
			tokens = append(tokens, token{kind: tokNull})
			i += 4
		default:
			op := ""
			for _, candidate := range []string{"==", "!=", "=~", "!~", "&&", "||"} {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("unexpected %q at %d", c, i)
			}
			tokens = append(tokens, token{kind: tokOp, value: op})
			i += len(op)
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func translate(src string) (string, error) {
	tokens, err := lex(src)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", fmt.Errorf("empty expression")
	}
	p := &parser{tokens: tokens}
	out, err := p.or()
	if err != nil {
		return "", err
	}
	if p.pos != len(p.tokens) {
		return "", fmt.Errorf("unexpected token at %d", p.pos)
	}
	return out, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) acceptOp(op string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokOp && t.value == op {
		p.pos++
		return true
	}
	return false
}

func (p *parser) or() (string, error) {
	left, err := p.and()
	if err != nil {
		return "", err
	}
	for p.acceptOp("||") {
		right, err := p.and()
		if err != nil {
			return "", err
		}
		left = "(" + left + " || " + right + ")"
	}
	return left, nil
}

func (p *parser) and() (string, error) {
	left, err := p.primary()
	if err != nil {
		return "", err
	}
	for p.acceptOp("&&") {
		right, err := p.primary()
		if err != nil {
			return "", err
		}
		left = "(" + left + " && " + right + ")"
	}
	return left, nil
}

func (p *parser) primary() (string, error) {
	t, ok := p.peek()
	if !ok {
		return "", fmt.Errorf("unexpected end of expression")
	}
	if t.kind == tokLParen {
		p.pos++
		inner, err := p.or()
		if err != nil {
			return "", err
		}
		if next, ok := p.peek(); !ok || next.kind != tokRParen {
			return "", fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return "(" + inner + ")", nil
	}
	return p.comparison()
}

func (p *parser) comparison() (string, error) {
	left, ok := p.peek()
	if !ok || left.kind == tokOp || left.kind == tokRParen || left.kind == tokRegexp {
		return "", fmt.Errorf("expected operand at %d", p.pos)
	}
	p.pos++

	next, ok := p.peek()
	if !ok || next.kind != tokOp || next.value == "&&" || next.value == "||" {
		// 单独的变量: 已定义且非空
		if left.kind != tokVariable {
			return "", fmt.Errorf("bare literal is not a condition")
		}
		return fmt.Sprintf(`((%s ?? "") != "")`, envRef(left.value)), nil
	}
	p.pos++

	right, ok := p.peek()
	if !ok {
		return "", fmt.Errorf("missing right operand")
	}
	p.pos++

	switch next.value {
	case "==", "!=":
		if right.kind == tokRegexp {
			return "", fmt.Errorf("regexp requires =~ or !~")
		}
		return operand(left) + " " + next.value + " " + operand(right), nil
	default:
		if right.kind != tokRegexp {
			return "", fmt.Errorf("%s requires a regexp", next.value)
		}
		pattern := right.value
		if strings.Contains(right.flags, "i") {
			pattern = "(?i)" + pattern
		}
		match := fmt.Sprintf("(%s matches %s)", stringOperand(left), strconv.Quote(pattern))
		if next.value == "!~" {
			return "not " + match, nil
		}
		return match, nil
	}
}

// envRef 变量名可能与 expr 关键字或内置函数同名 (true, nil, len), 统一按键名从 $env 读取
func envRef(name string) string {
	return "$env[" + strconv.Quote(name) + "]"
}

// operand 比较时保留变量原始值, 未定义的变量为 nil
func operand(t token) string {
	switch t.kind {
	case tokVariable:
		return envRef(t.value)
	case tokNull:
		return "nil"
	default:
		return strconv.Quote(t.value)
	}
}

func stringOperand(t token) string {
	switch t.kind {
	case tokVariable:
		return fmt.Sprintf(`(%s ?? "")`, envRef(t.value))
	case tokNull:
		return `""`
	default:
		return strconv.Quote(t.value)
	}
}
