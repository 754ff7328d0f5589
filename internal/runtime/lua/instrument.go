package lua

import (
	"strconv"

	"github.com/yuin/gopher-lua/ast"
)

// Names of the hook functions instrumented code calls.
const (
	lineHook = "__debugline"
	passHook = "__debugpass"
)

type positioned interface {
	SetLine(int)
	SetLastLine(int)
}

// instrument inserts a line hook call before every statement of a block and
// of every function defined inside it. Single-call returns are routed
// through the pass hook so no Lua frame is replaced by a tail call, which
// keeps call depth observable.
func instrument(stmts []ast.Stmt) []ast.Stmt {
	if len(stmts) == 0 {
		return stmts
	}
	out := make([]ast.Stmt, 0, 2*len(stmts))
	for _, st := range stmts {
		instrumentStmt(st)
		out = append(out, lineCall(st.Line()), st)
	}
	return out
}

func lineCall(line int) ast.Stmt {
	fn := &ast.IdentExpr{Value: lineHook}
	arg := &ast.NumberExpr{Value: strconv.Itoa(line)}
	call := &ast.FuncCallExpr{Func: fn, Args: []ast.Expr{arg}}
	stmt := &ast.FuncCallStmt{Expr: call}
	setLine(line, fn, arg, call, stmt)
	return stmt
}

func passCall(inner *ast.FuncCallExpr) ast.Expr {
	fn := &ast.IdentExpr{Value: passHook}
	call := &ast.FuncCallExpr{Func: fn, Args: []ast.Expr{inner}}
	setLine(inner.Line(), fn, call)
	call.SetLastLine(inner.LastLine())
	return call
}

func setLine(line int, nodes ...positioned) {
	for _, n := range nodes {
		n.SetLine(line)
		n.SetLastLine(line)
	}
}

func instrumentStmt(st ast.Stmt) {
	switch s := st.(type) {
	case *ast.AssignStmt:
		walkExprs(s.Lhs)
		walkExprs(s.Rhs)
	case *ast.LocalAssignStmt:
		walkExprs(s.Exprs)
	case *ast.FuncCallStmt:
		walkExpr(s.Expr)
	case *ast.DoBlockStmt:
		s.Stmts = instrument(s.Stmts)
	case *ast.WhileStmt:
		walkExpr(s.Condition)
		s.Stmts = instrument(s.Stmts)
	case *ast.RepeatStmt:
		walkExpr(s.Condition)
		s.Stmts = instrument(s.Stmts)
	case *ast.IfStmt:
		walkExpr(s.Condition)
		s.Then = instrument(s.Then)
		s.Else = instrument(s.Else)
	case *ast.NumberForStmt:
		walkExpr(s.Init)
		walkExpr(s.Limit)
		walkExpr(s.Step)
		s.Stmts = instrument(s.Stmts)
	case *ast.GenericForStmt:
		walkExprs(s.Exprs)
		s.Stmts = instrument(s.Stmts)
	case *ast.FuncDefStmt:
		walkFunction(s.Func)
	case *ast.ReturnStmt:
		walkExprs(s.Exprs)
		if len(s.Exprs) == 1 {
			if call, ok := s.Exprs[0].(*ast.FuncCallExpr); ok {
				s.Exprs[0] = passCall(call)
			}
		}
	}
}

func walkFunction(f *ast.FunctionExpr) {
	if f != nil {
		f.Stmts = instrument(f.Stmts)
	}
}

func walkExprs(exprs []ast.Expr) {
	for _, e := range exprs {
		walkExpr(e)
	}
}

// walkExpr finds function literals nested anywhere in an expression.
func walkExpr(e ast.Expr) {
	switch x := e.(type) {
	case *ast.FunctionExpr:
		walkFunction(x)
	case *ast.FuncCallExpr:
		walkExpr(x.Func)
		walkExpr(x.Receiver)
		walkExprs(x.Args)
	case *ast.AttrGetExpr:
		walkExpr(x.Object)
		walkExpr(x.Key)
	case *ast.TableExpr:
		for _, f := range x.Fields {
			walkExpr(f.Key)
			walkExpr(f.Value)
		}
	case *ast.LogicalOpExpr:
		walkExpr(x.Lhs)
		walkExpr(x.Rhs)
	case *ast.RelationalOpExpr:
		walkExpr(x.Lhs)
		walkExpr(x.Rhs)
	case *ast.StringConcatOpExpr:
		walkExpr(x.Lhs)
		walkExpr(x.Rhs)
	case *ast.ArithmeticOpExpr:
		walkExpr(x.Lhs)
		walkExpr(x.Rhs)
	case *ast.UnaryMinusOpExpr:
		walkExpr(x.Expr)
	case *ast.UnaryNotOpExpr:
		walkExpr(x.Expr)
	case *ast.UnaryLenOpExpr:
		walkExpr(x.Expr)
	}
}
