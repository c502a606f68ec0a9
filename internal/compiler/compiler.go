// Package compiler is a lexer, single-pass recursive-descent parser, and
// bytecode emitter for the small thidy surface syntax (SPEC_FULL.md §4).
// It is external to the language core by spec.md's own definition — its
// only job is to produce well-formed vm.Program values for internal/vm
// to typecheck and run, not to be a general-purpose front end.
package compiler

import (
	"fmt"
	"strconv"

	"thidy/internal/bytecode"
	"thidy/internal/vm"
)

const (
	precLowest = iota
	precOr
	precAnd
	precEquality
	precComparison
	precAdditive
	precMultiplicative
)

// ExternBinding names one host extern function the compiler should bind
// free identifiers to, in the fixed order they occupy in the resulting
// Program's Externs table.
type ExternBinding struct {
	Name string
	Func vm.ExternFunc
}

// Options configures one Compile call.
type Options struct {
	File    string
	Externs []ExternBinding
}

// Compile parses and emits source as a single thidy program: block 0 is
// the top-level script, any fn literal it contains becomes its own
// block via recursive descent into fnLiteralBody. Returns the errors
// accumulated across the whole source (parsing keeps going after most
// mistakes so a single Compile call can report more than one), nil
// Program if there were any.
func Compile(source string, opts Options) (*vm.Program, []*vm.Error) {
	file := opts.File
	if file == "" {
		file = "<input>"
	}

	externIndex := make(map[string]int, len(opts.Externs))
	externFuncs := make([]vm.ExternFunc, len(opts.Externs))
	for i, e := range opts.Externs {
		externIndex[e.Name] = i
		externFuncs[i] = e.Func
	}

	main := bytecode.NewBlock("main", file, 1)
	main.Ty = vm.FuncType(nil, vm.Void)

	p := &parser{
		lex:     NewLexer(source),
		file:    file,
		blobs:   make(map[string]int),
		externs: externIndex,
		blocks:  []*bytecode.Block{main},
	}
	p.fs = &funcScope{block: main}
	p.fs.locals = append(p.fs.locals, local{name: ""})

	p.advance()
	for !p.check(TokEOF) {
		p.statement()
	}
	if !p.fs.lastWasReturn {
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.Nil()})
		p.emitOp(bytecode.Op{Code: bytecode.Return})
	}

	if len(p.errors) > 0 {
		return nil, p.errors
	}
	return &vm.Program{Blocks: p.blocks, Blobs: p.blobLayouts, Externs: externFuncs}, nil
}

type local struct {
	name     string
	typ      vm.Type
	captured bool
}

// upvalueRef is one entry of a funcScope's own capture table, mirroring
// bytecode.Capture but kept on the compiler side to drive dedup and
// resolution; index is either a slot in the enclosing funcScope's
// locals (isLocal) or an index into the enclosing funcScope's own
// upvalues (!isLocal) — the same IsUp split bytecode.Capture carries.
type upvalueRef struct {
	index   int
	isLocal bool
}

// funcScope is the compile-time symbol table for one block (main or one
// fn literal). Variable lifetime is not block-scoped below function
// granularity: a `:=` declared inside an if-branch keeps its slot for
// the rest of the enclosing function, matching every concrete thidy
// program in spec.md's examples (decls never escape an if/else into
// code that runs only on the other branch).
type funcScope struct {
	enclosing *funcScope
	block     *bytecode.Block
	locals    []local
	upvalues  []upvalueRef

	lastWasReturn bool
}

type lexSnapshot struct {
	pos, line int
}

type parser struct {
	lex  *Lexer
	cur  Token
	prev Token

	file   string
	errors []*vm.Error

	blobs       map[string]int
	blobLayouts []*vm.BlobLayout
	externs     map[string]int

	blocks []*bytecode.Block
	fs     *funcScope
}

func (p *parser) errAt(tok Token, msg string) {
	p.errors = append(p.errors, &vm.Error{Kind: vm.KindSyntaxError, File: p.file, Line: tok.Line, Message: msg})
}

func (p *parser) advance() {
	p.prev = p.cur
	for {
		p.cur = p.lex.Next()
		if p.cur.Kind != TokError {
			break
		}
		p.errAt(p.cur, "unexpected input: "+p.cur.Lexeme)
	}
}

func (p *parser) check(k TokenKind) bool { return p.cur.Kind == k }

func (p *parser) matchTok(k TokenKind) bool {
	if !p.check(k) {
		return false
	}
	p.advance()
	return true
}

func (p *parser) expect(k TokenKind, msg string) {
	if p.check(k) {
		p.advance()
		return
	}
	p.errAt(p.cur, msg)
}

func (p *parser) snapshot() (lexSnapshot, Token, Token) {
	return lexSnapshot{pos: p.lex.pos, line: p.lex.line}, p.cur, p.prev
}

func (p *parser) restore(s lexSnapshot, cur, prev Token) {
	p.lex.pos = s.pos
	p.lex.line = s.line
	p.cur = cur
	p.prev = prev
}

func (p *parser) emitOp(op bytecode.Op) int {
	return p.fs.block.Add(op, p.prev.Line)
}

func (p *parser) emitJump(code bytecode.OpCode) int {
	return p.emitOp(bytecode.Op{Code: code})
}

func (p *parser) patchJump(pos int) {
	op := p.fs.block.Ops[pos]
	op.Int = p.fs.block.Curr()
	p.fs.block.Patch(pos, op)
}

// --- name resolution -------------------------------------------------

func resolveLocal(fs *funcScope, name string) (int, bool) {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return i, true
		}
	}
	return 0, false
}

func addUpvalue(fs *funcScope, index int, isLocal bool) int {
	for i, u := range fs.upvalues {
		if u.index == index && u.isLocal == isLocal {
			return i
		}
	}
	fs.upvalues = append(fs.upvalues, upvalueRef{index: index, isLocal: isLocal})
	fs.block.Ups = append(fs.block.Ups, &bytecode.Capture{Slot: index, IsUp: !isLocal, Type: vm.Unknown})
	return len(fs.upvalues) - 1
}

func resolveUpvalue(fs *funcScope, name string) (int, bool) {
	if fs.enclosing == nil {
		return 0, false
	}
	if slot, ok := resolveLocal(fs.enclosing, name); ok {
		fs.enclosing.locals[slot].captured = true
		return addUpvalue(fs, slot, true), true
	}
	if idx, ok := resolveUpvalue(fs.enclosing, name); ok {
		return addUpvalue(fs, idx, false), true
	}
	return 0, false
}

// emitNameLoad pushes the current value of a bare identifier: a local, a
// captured upvalue, a declared blob's constructor value, or a bound
// extern function — in that priority order.
func (p *parser) emitNameLoad(tok Token) {
	name := tok.Lexeme
	if slot, ok := resolveLocal(p.fs, name); ok {
		p.emitOp(bytecode.Op{Code: bytecode.ReadLocal, Int: slot})
		return
	}
	if idx, ok := resolveUpvalue(p.fs, name); ok {
		p.emitOp(bytecode.Op{Code: bytecode.ReadUpvalue, Int: idx})
		return
	}
	if id, ok := p.blobs[name]; ok {
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.BlobValue(id)})
		return
	}
	if idx, ok := p.externs[name]; ok {
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.ExternValue(idx)})
		return
	}
	p.errAt(tok, "undefined name "+name)
	p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.Nil()})
}

// --- types -------------------------------------------------------------

func (p *parser) parseType() vm.Type {
	if p.check(TokFn) {
		p.advance()
		var args []vm.Type
		for !p.check(TokArrow) {
			args = append(args, p.parseType())
			if !p.matchTok(TokComma) {
				break
			}
		}
		p.expect(TokArrow, "expected '->' in function type")
		ret := p.parseType()
		return vm.FuncType(args, ret)
	}
	if p.check(TokIdent) {
		name := p.cur.Lexeme
		p.advance()
		switch name {
		case "int":
			return vm.Int
		case "float":
			return vm.Float
		case "bool":
			return vm.Bool
		case "string":
			return vm.String
		default:
			if id, ok := p.blobs[name]; ok {
				return vm.BlobInstanceType(id)
			}
			p.errAt(p.prev, "unknown type "+name)
			return vm.Unknown
		}
	}
	p.errAt(p.cur, "expected a type")
	p.advance()
	return vm.Unknown
}

// --- statements ----------------------------------------------------------

func (p *parser) statement() {
	switch {
	case p.check(TokIf):
		p.fs.lastWasReturn = p.compileIf()
	case p.check(TokBlob):
		p.blobDecl()
	case p.check(TokRet):
		p.retStatement()
	case p.check(TokYield):
		p.advance()
		p.emitOp(bytecode.Op{Code: bytecode.Yield})
		p.fs.lastWasReturn = false
	case p.check(TokPrint):
		p.advance()
		p.expression(precOr)
		p.emitOp(bytecode.Op{Code: bytecode.Print})
		p.fs.lastWasReturn = false
	case p.check(TokUnreachable):
		p.advance()
		p.emitOp(bytecode.Op{Code: bytecode.Unreachable})
		p.fs.lastWasReturn = false
	case p.check(TokIdent):
		p.identStatement()
	default:
		p.exprOrAssertStatement()
	}
}

func (p *parser) blockOfStatements() bool {
	p.fs.lastWasReturn = false
	for !p.check(TokRBrace) && !p.check(TokEOF) {
		p.statement()
	}
	p.expect(TokRBrace, "expected '}'")
	return p.fs.lastWasReturn
}

// compileIf returns whether every path through this if/else chain ends
// in ret — used by the caller to decide whether a trailing implicit
// return is still needed at the end of the enclosing function.
func (p *parser) compileIf() bool {
	p.expect(TokIf, "expected 'if'")
	p.expression(precOr)
	jf := p.emitJump(bytecode.JmpFalse)
	p.expect(TokLBrace, "expected '{' after if condition")
	thenReturns := p.blockOfStatements()

	if !p.check(TokElse) {
		p.patchJump(jf)
		return false
	}
	p.advance()
	jend := p.emitJump(bytecode.Jmp)
	p.patchJump(jf)

	var elseReturns bool
	if p.check(TokIf) {
		elseReturns = p.compileIf()
	} else {
		p.expect(TokLBrace, "expected '{' after else")
		elseReturns = p.blockOfStatements()
	}
	p.patchJump(jend)
	return thenReturns && elseReturns
}

func (p *parser) retStatement() {
	p.expect(TokRet, "expected 'ret'")
	if p.check(TokRBrace) {
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.Nil()})
	} else {
		p.expression(precOr)
	}
	p.emitOp(bytecode.Op{Code: bytecode.Return})
	p.fs.lastWasReturn = true
}

func (p *parser) blobDecl() {
	p.expect(TokBlob, "expected 'blob'")
	nameTok := p.cur
	p.expect(TokIdent, "expected blob name")

	layout := vm.NewBlobLayout(nameTok.Lexeme)
	id := len(p.blobLayouts)
	p.blobLayouts = append(p.blobLayouts, layout)
	p.blobs[nameTok.Lexeme] = id

	p.expect(TokLBrace, "expected '{' after blob name")
	for !p.check(TokRBrace) && !p.check(TokEOF) {
		fieldTok := p.cur
		p.expect(TokIdent, "expected field name")
		p.expect(TokColon, "expected ':' after field name")
		ftyp := p.parseType()
		if !layout.AddField(fieldTok.Lexeme, ftyp) {
			p.errAt(fieldTok, "duplicate field "+fieldTok.Lexeme)
		}
		if !p.matchTok(TokComma) {
			break
		}
	}
	p.expect(TokRBrace, "expected '}' to close blob declaration")
	p.fs.lastWasReturn = false
}

// identStatement disambiguates the four statement forms that start with
// a bare identifier: declaration (':=' or ': type ='), reassignment
// ('='), field-set ('.field = expr'), and a plain expression statement
// (a call, a field get, or the left side of '<=>'). Declaration and
// reassignment are detected with one token of lookahead past the
// identifier, field-set with three ('.', the field name, '='); anything
// else backtracks to a full expression parse starting from the same
// identifier.
func (p *parser) identStatement() {
	snap, scur, sprev := p.snapshot()
	nameTok := p.cur
	p.advance()

	switch {
	case p.check(TokColon):
		p.advance()
		typ := p.parseType()
		p.expect(TokAssign, "expected '=' after type ascription")
		p.declareAndCompile(nameTok.Lexeme, typ)
		return

	case p.check(TokDeclare):
		p.advance()
		p.declareAndCompile(nameTok.Lexeme, vm.Unknown)
		return

	case p.check(TokAssign):
		p.advance()
		p.compileAssignExisting(nameTok)
		return

	case p.check(TokDot):
		p.advance()
		fieldTok := p.cur
		p.expect(TokIdent, "expected field name")
		if p.check(TokAssign) {
			p.advance()
			p.emitNameLoad(nameTok)
			p.expression(precOr)
			p.emitOp(bytecode.Op{Code: bytecode.Set, Str: fieldTok.Lexeme})
			p.fs.lastWasReturn = false
			return
		}
		p.restore(snap, scur, sprev)
	default:
		p.restore(snap, scur, sprev)
	}

	p.exprOrAssertStatement()
}

func (p *parser) declareAndCompile(name string, declared vm.Type) {
	p.fs.locals = append(p.fs.locals, local{name: name, typ: declared})
	p.expression(precOr)
	p.emitOp(bytecode.Op{Code: bytecode.Define, Type: declared})
	p.fs.lastWasReturn = false
}

func (p *parser) compileAssignExisting(nameTok Token) {
	p.expression(precOr)
	if slot, ok := resolveLocal(p.fs, nameTok.Lexeme); ok {
		p.emitOp(bytecode.Op{Code: bytecode.AssignLocal, Int: slot})
		p.fs.lastWasReturn = false
		return
	}
	if idx, ok := resolveUpvalue(p.fs, nameTok.Lexeme); ok {
		p.emitOp(bytecode.Op{Code: bytecode.AssignUpvalue, Int: idx})
		p.fs.lastWasReturn = false
		return
	}
	p.errAt(nameTok, "assignment to undefined name "+nameTok.Lexeme)
	p.emitOp(bytecode.Op{Code: bytecode.Pop})
	p.fs.lastWasReturn = false
}

// exprOrAssertStatement covers a bare expression statement and the
// `expr <=> expr` assert-equality sugar, which SPEC_FULL.md §4 lowers to
// Equal; Assert; Pop.
func (p *parser) exprOrAssertStatement() {
	p.expression(precOr)
	if p.check(TokAssertEq) {
		p.advance()
		p.expression(precOr)
		p.emitOp(bytecode.Op{Code: bytecode.Equal})
		p.emitOp(bytecode.Op{Code: bytecode.Assert})
	}
	p.emitOp(bytecode.Op{Code: bytecode.Pop})
	p.fs.lastWasReturn = false
}

// --- expressions -----------------------------------------------------

func binPrec(k TokenKind) (int, bool) {
	switch k {
	case TokOr:
		return precOr, true
	case TokAnd:
		return precAnd, true
	case TokEqEq, TokNotEq:
		return precEquality, true
	case TokLess, TokGreater, TokLessEq, TokGreaterEq:
		return precComparison, true
	case TokPlus, TokMinus:
		return precAdditive, true
	case TokStar, TokSlash:
		return precMultiplicative, true
	default:
		return 0, false
	}
}

func (p *parser) emitInfix(k TokenKind) {
	switch k {
	case TokOr:
		p.emitOp(bytecode.Op{Code: bytecode.Or})
	case TokAnd:
		p.emitOp(bytecode.Op{Code: bytecode.And})
	case TokEqEq:
		p.emitOp(bytecode.Op{Code: bytecode.Equal})
	case TokNotEq:
		p.emitOp(bytecode.Op{Code: bytecode.Equal})
		p.emitOp(bytecode.Op{Code: bytecode.Not})
	case TokLess:
		p.emitOp(bytecode.Op{Code: bytecode.Less})
	case TokGreater:
		p.emitOp(bytecode.Op{Code: bytecode.Greater})
	case TokLessEq:
		p.emitOp(bytecode.Op{Code: bytecode.Greater})
		p.emitOp(bytecode.Op{Code: bytecode.Not})
	case TokGreaterEq:
		p.emitOp(bytecode.Op{Code: bytecode.Less})
		p.emitOp(bytecode.Op{Code: bytecode.Not})
	case TokPlus:
		p.emitOp(bytecode.Op{Code: bytecode.Add})
	case TokMinus:
		p.emitOp(bytecode.Op{Code: bytecode.Sub})
	case TokStar:
		p.emitOp(bytecode.Op{Code: bytecode.Mul})
	case TokSlash:
		p.emitOp(bytecode.Op{Code: bytecode.Div})
	}
}

// expression implements precedence climbing: minPrec is the lowest
// precedence this call is allowed to consume, so recursive calls for the
// right-hand side of a left-associative operator pass prec+1.
func (p *parser) expression(minPrec int) {
	p.unary()
	for {
		prec, ok := binPrec(p.cur.Kind)
		if !ok || prec < minPrec {
			return
		}
		opKind := p.cur.Kind
		p.advance()
		p.expression(prec + 1)
		p.emitInfix(opKind)
	}
}

func (p *parser) unary() {
	switch {
	case p.matchTok(TokMinus):
		p.unary()
		p.emitOp(bytecode.Op{Code: bytecode.Neg})
	case p.check(TokBang) || p.check(TokNot):
		p.advance()
		p.unary()
		p.emitOp(bytecode.Op{Code: bytecode.Not})
	default:
		p.callOrPrimary()
	}
}

func (p *parser) callOrPrimary() {
	p.primary()
	p.postfix()
}

func (p *parser) postfix() {
	for {
		switch {
		case p.matchTok(TokLParen):
			n := 0
			if !p.check(TokRParen) {
				p.expression(precOr)
				n++
				for p.matchTok(TokComma) {
					p.expression(precOr)
					n++
				}
			}
			p.expect(TokRParen, "expected ')' to close call arguments")
			p.emitOp(bytecode.Op{Code: bytecode.Call, Int: n})
		case p.matchTok(TokDot):
			fieldTok := p.cur
			p.expect(TokIdent, "expected field name")
			p.emitOp(bytecode.Op{Code: bytecode.Get, Str: fieldTok.Lexeme})
		default:
			return
		}
	}
}

func (p *parser) primary() {
	switch {
	case p.matchTok(TokInt):
		n, err := strconv.ParseInt(p.prev.Lexeme, 10, 64)
		if err != nil {
			p.errAt(p.prev, "invalid integer literal "+p.prev.Lexeme)
		}
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.IntValue(n)})
	case p.matchTok(TokFloat):
		f, err := strconv.ParseFloat(p.prev.Lexeme, 64)
		if err != nil {
			p.errAt(p.prev, "invalid float literal "+p.prev.Lexeme)
		}
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.FloatValue(f)})
	case p.matchTok(TokString):
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.StringValue(p.prev.Lexeme)})
	case p.matchTok(TokTrue):
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.BoolValue(true)})
	case p.matchTok(TokFalse):
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.BoolValue(false)})
	case p.matchTok(TokNil):
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.Nil()})
	case p.matchTok(TokLParen):
		p.expression(precOr)
		p.expect(TokRParen, "expected ')' to close grouped expression")
	case p.matchTok(TokFn):
		p.fnLiteralBody()
	case p.check(TokIdent):
		tok := p.cur
		p.advance()
		p.emitNameLoad(tok)
	default:
		p.errAt(p.cur, "expected an expression")
		p.advance()
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.Nil()})
	}
}

// fnLiteralBody compiles a function literal's parameter list, optional
// return type, and body into its own Block, then emits a Constant op in
// the ENCLOSING block pushing a Function value over that Block. Capture
// resolution (resolveUpvalue) during the body populates Block.Ups, which
// the VM's Constant-op handling reads at both typecheck and run time
// (internal/vm/vm.go materializeConstant, internal/vm/typecheck.go
// checkConstant) — fnLiteralBody itself never touches the enclosing
// function's stack layout.
func (p *parser) fnLiteralBody() {
	defLine := p.prev.Line
	block := bytecode.NewBlock(fmt.Sprintf("fn@%d:%d", defLine, len(p.blocks)), p.file, defLine)
	p.blocks = append(p.blocks, block)

	outer := p.fs
	p.fs = &funcScope{enclosing: outer, block: block}
	p.fs.locals = append(p.fs.locals, local{name: ""})

	var argTypes []vm.Type
	if !p.check(TokArrow) && !p.check(TokLBrace) {
		for {
			nameTok := p.cur
			p.expect(TokIdent, "expected parameter name")
			p.expect(TokColon, "expected ':' after parameter name")
			ptyp := p.parseType()
			p.fs.locals = append(p.fs.locals, local{name: nameTok.Lexeme, typ: ptyp})
			argTypes = append(argTypes, ptyp)
			if !p.matchTok(TokComma) {
				break
			}
		}
	}

	retType := vm.Void
	if p.matchTok(TokArrow) {
		retType = p.parseType()
	}
	block.Ty = vm.FuncType(argTypes, retType)

	p.expect(TokLBrace, "expected '{' to start function body")
	returned := p.blockOfStatements()
	if !returned {
		p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.Nil()})
		p.emitOp(bytecode.Op{Code: bytecode.Return})
	}

	p.fs = outer
	p.emitOp(bytecode.Op{Code: bytecode.Constant, Const: vm.FunctionValue(&vm.Closure{Block: block})})
}
