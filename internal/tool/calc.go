package tool

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
)

var (
	numberRe = regexp.MustCompile(`(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
	identRe  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	symbolRe = regexp.MustCompile(`^[\s+\-*/%^(),]*$`)
	tokenRe  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*|(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
)

type unary func(float64) float64

var unaryFuncs = map[string]unary{
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"sqrt":  math.Sqrt,
	"log":   math.Log10,
	"ln":    math.Log,
	"log10": math.Log10,
	"log2":  math.Log2,
	"exp":   math.Exp,
}

// handled by expr builtins
var builtinNames = []string{"abs", "floor", "ceil", "round", "min", "max"}

var constants = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

// Calculator evaluates arithmetic expressions over a fixed vocabulary.
type Calculator struct {
	allowed map[string]bool
	options []expr.Option
}

// NewCalculator returns the EgoCalc tool.
func NewCalculator() *Calculator {
	c := &Calculator{allowed: map[string]bool{"pow": true}}
	for name := range unaryFuncs {
		c.allowed[name] = true
	}
	for _, name := range builtinNames {
		c.allowed[name] = true
	}
	for name := range constants {
		c.allowed[name] = true
	}

	c.options = []expr.Option{expr.Env(constants)}
	for name, fn := range unaryFuncs {
		fn := fn
		c.options = append(c.options, expr.Function(name, func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("%s takes one argument", name)
			}
			x, err := toFloat(params[0])
			if err != nil {
				return nil, err
			}
			return fn(x), nil
		}))
	}
	c.options = append(c.options, expr.Function("pow", func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("pow takes two arguments")
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		y, err := toFloat(params[1])
		if err != nil {
			return nil, err
		}
		return math.Pow(x, y), nil
	}))
	c.options = append(c.options,
		expr.Function("fmod", func(params ...any) (any, error) {
			return math.Mod(params[0].(float64), params[1].(float64)), nil
		}, new(func(float64, float64) float64)),
		expr.Operator("%", "fmod"),
	)
	return c
}

func (c *Calculator) Name() string { return "EgoCalc" }

func (c *Calculator) Description() string {
	return `Calculator. Only numbers, operators (+ - * / % ^) and math functions (sqrt, sin, ln, log, pow, ...) with constants pi and e, e.g. "0.05 * (25000000 * 0.3)". No variables or text.`
}

func (c *Calculator) Invoke(ctx context.Context, query string) Result {
	q := strings.TrimSpace(query)
	if q == "" {
		return Errorf("EgoCalc: empty expression")
	}
	if !c.safe(q) {
		return Errorf("EgoCalc: expression contains unsupported characters or names; use numbers, operators and math functions only")
	}

	program, err := expr.Compile(floatLiterals(q), c.options...)
	if err != nil {
		return Errorf("EgoCalc: cannot evaluate %q: %v", q, err)
	}
	out, err := expr.Run(program, constants)
	if err != nil {
		return Errorf("EgoCalc: cannot evaluate %q: %v", q, err)
	}
	s, err := formatNumber(out)
	if err != nil {
		return Errorf("EgoCalc: %v", err)
	}
	return Result{Content: s}
}

// safe tokenizes the expression and accepts only numbers, whitelisted names
// and arithmetic symbols.
func (c *Calculator) safe(q string) bool {
	rest := numberRe.ReplaceAllString(q, " ")
	for _, ident := range identRe.FindAllString(rest, -1) {
		if !c.allowed[ident] {
			return false
		}
	}
	return symbolRe.MatchString(identRe.ReplaceAllString(rest, " "))
}

// floatLiterals rewrites integer literals as floats so evaluation never
// uses wrapping int arithmetic.
func floatLiterals(q string) string {
	return tokenRe.ReplaceAllStringFunc(q, func(tok string) string {
		switch {
		case tok[0] == '_' || unicode.IsLetter(rune(tok[0])):
			return tok
		case strings.HasSuffix(tok, "."):
			return tok + "0"
		case strings.ContainsAny(tok, ".eE"):
			return tok
		default:
			return tok + ".0"
		}
	})
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func formatNumber(v any) (string, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", fmt.Errorf("result is not a finite number")
		}
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10), nil
		}
		return strconv.FormatFloat(n, 'g', 15, 64), nil
	default:
		return "", fmt.Errorf("result is not a number (%T)", v)
	}
}
