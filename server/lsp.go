package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/syntax"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "ilvm-lsp"

var lspLog = commonlog.GetLogger("ilvm.lsp")

// LspServer provides editor support for IL programs: diagnostics, hover,
// go-to-definition and references for block addresses, document symbols,
// formatting and completion.
type LspServer struct {
	registers int // register count used for range warnings; 0 disables them

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server. registers is the machine register count
// used for range warnings (0 disables them).
func NewLSP(registers int) *LspServer {
	s := &LspServer{
		registers: registers,
		docs:      make(map[string]string),
		version:   "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion:     s.textDocumentCompletion,
		TextDocumentHover:          s.textDocumentHover,
		TextDocumentDefinition:     s.textDocumentDefinition,
		TextDocumentReferences:     s.textDocumentReferences,
		TextDocumentDocumentSymbol: s.textDocumentDocumentSymbol,
		TextDocumentFormatting:     s.textDocumentFormatting,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	lspLog.Info("ilvm LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"(", " "},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true
	capabilities.DocumentSymbolProvider = true
	capabilities.DocumentFormattingProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.setDocument(string(uri), text)
	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.setDocument(string(uri), whole.Text)
			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) setDocument(uri, text string) {
	s.mu.Lock()
	s.docs[uri] = text
	s.mu.Unlock()
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	return s.complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return s.hover(text, params.Position), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	loc := s.definition(uri, text, params.Position)
	if loc == nil {
		return nil, nil
	}
	return loc, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	return s.references(uri, text, params.Position, params.Context.IncludeDeclaration), nil
}

func (s *LspServer) textDocumentDocumentSymbol(ctx *glsp.Context, params *protocol.DocumentSymbolParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return s.symbols(text), nil
}

func (s *LspServer) textDocumentFormatting(ctx *glsp.Context, params *protocol.DocumentFormattingParams) ([]protocol.TextEdit, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return formatEdits(text), nil
}

// --- Document analysis ---

// blockRef is an occurrence of a block address in the text: either the
// address after "block" or a literal goto target.
type blockRef struct {
	addr  int32
	isDef bool
	rng   protocol.Range // the address literal, sign included
	head  protocol.Range // for definitions, "block" through the address
}

// scanRefs lexes text and collects every block definition and literal goto
// target. Lexical errors are skipped.
func scanRefs(text string) []blockRef {
	var toks []compiler.Token
	l := compiler.NewLexer(text)
	for {
		tok := l.NextToken()
		if tok.Type == compiler.TokenEOF {
			break
		}
		toks = append(toks, tok)
	}

	var refs []blockRef
	for i := 0; i < len(toks); i++ {
		var isDef bool
		switch {
		case toks[i].Type == compiler.TokenBlock:
			isDef = true
		case toks[i].Type == compiler.TokenGoto && i+1 < len(toks) && toks[i+1].Type == compiler.TokenLParen:
			i++
		default:
			continue
		}

		j := i + 1
		sign := ""
		if j < len(toks) && (toks[j].Type == compiler.TokenMinus || toks[j].Type == compiler.TokenPlus) {
			if toks[j].Type == compiler.TokenMinus {
				sign = "-"
			}
			j++
		}
		if j >= len(toks) || toks[j].Type != compiler.TokenInteger {
			continue
		}
		n, err := strconv.ParseInt(sign+toks[j].Literal, 10, 32)
		if err != nil {
			continue
		}
		num := toks[j]
		end := toProtocol(num.Pos)
		end.Character += protocol.UInteger(len(num.Literal))
		ref := blockRef{
			addr:  int32(n),
			isDef: isDef,
			rng:   protocol.Range{Start: toProtocol(toks[i+1].Pos), End: end},
		}
		if isDef {
			ref.head = protocol.Range{Start: toProtocol(toks[i].Pos), End: end}
		}
		refs = append(refs, ref)
		i = j
	}
	return refs
}

// refAt returns the block reference under the cursor.
func refAt(refs []blockRef, pos protocol.Position) (blockRef, bool) {
	for _, r := range refs {
		if pos.Line == r.rng.Start.Line && pos.Character >= r.rng.Start.Character && pos.Character <= r.rng.End.Character {
			return r, true
		}
	}
	return blockRef{}, false
}

func definitionOf(refs []blockRef, addr int32) (blockRef, bool) {
	for _, r := range refs {
		if r.isDef && r.addr == addr {
			return r, true
		}
	}
	return blockRef{}, false
}

func (s *LspServer) complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}

	keywords := compiler.Keywords()
	sort.Strings(keywords)
	for _, kw := range keywords {
		if strings.HasPrefix(kw, prefix) {
			add(kw, protocol.CompletionItemKindKeyword, keywordDocs[kw])
		}
	}

	if prefix == "" || isNumberPrefix(prefix) {
		seen := make(map[int32]bool)
		for _, r := range scanRefs(text) {
			addr := strconv.Itoa(int(r.addr))
			if r.isDef && !seen[r.addr] && strings.HasPrefix(addr, prefix) {
				seen[r.addr] = true
				add(addr, protocol.CompletionItemKindReference, "block "+addr)
			}
		}
	}

	if strings.HasPrefix(prefix, "r") && s.registers > 0 {
		for i := 0; i < s.registers; i++ {
			name := "r" + strconv.Itoa(i)
			if strings.HasPrefix(name, prefix) {
				add(name, protocol.CompletionItemKindVariable, "register")
			}
		}
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

func isNumberPrefix(s string) bool {
	s = strings.TrimPrefix(s, "-")
	for _, ch := range s {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

var keywordDocs = map[string]string{
	"block":  "block N { ... }: a basic block at code address N",
	"ifz":    "ifz v { ... } else { ... }: branch on v == 0",
	"else":   "the non-zero arm of ifz",
	"goto":   "goto(v): continue at the block whose address is v",
	"exit":   "exit(v): stop with result v",
	"abort":  "abort: stop with a fault",
	"malloc": "rN = malloc(v): allocate v heap words, 0 when v is 0",
	"free":   "free(rN): release the allocation starting at rN",
	"print":  `print("label") | print(v) | print(*start, count)`,
}

func (s *LspServer) hover(text string, pos protocol.Position) *protocol.Hover {
	refs := scanRefs(text)
	if ref, ok := refAt(refs, pos); ok {
		return s.hoverBlock(text, ref)
	}

	word := extractWord(text, pos)
	if doc, ok := keywordDocs[word]; ok {
		return markdown(fmt.Sprintf("**%s**\n\n`%s`", word, doc))
	}
	if len(word) > 1 && word[0] == 'r' && isNumberPrefix(word[1:]) {
		n, _ := strconv.Atoi(word[1:])
		msg := fmt.Sprintf("**register %d**", n)
		if s.registers > 0 && n >= s.registers {
			msg += fmt.Sprintf("\n\nout of range: the machine has %d registers", s.registers)
		}
		return markdown(msg)
	}
	return nil
}

func (s *LspServer) hoverBlock(text string, ref blockRef) *protocol.Hover {
	blocks, _ := compiler.Analyze(text, compiler.Options{})
	for _, b := range blocks {
		if b.Addr != ref.addr {
			continue
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "**block %d**", b.Addr)
		if b.Addr == 0 {
			sb.WriteString(" (entry)")
		}
		fmt.Fprintf(&sb, "\n\n%d instructions", syntax.Len(b.Body))
		if b.Body != nil {
			fmt.Fprintf(&sb, ", starting with `%s`", b.Body)
		}
		return markdown(sb.String())
	}
	if ref.isDef {
		return markdown(fmt.Sprintf("**block %d**\n\ndoes not parse", ref.addr))
	}
	return markdown(fmt.Sprintf("**block %d** is not defined; this goto faults at run time", ref.addr))
}

func (s *LspServer) definition(uri protocol.DocumentUri, text string, pos protocol.Position) []protocol.Location {
	refs := scanRefs(text)
	ref, ok := refAt(refs, pos)
	if !ok {
		return nil
	}
	def, ok := definitionOf(refs, ref.addr)
	if !ok {
		return nil
	}
	return []protocol.Location{{URI: uri, Range: def.head}}
}

func (s *LspServer) references(uri protocol.DocumentUri, text string, pos protocol.Position, includeDecl bool) []protocol.Location {
	refs := scanRefs(text)
	ref, ok := refAt(refs, pos)
	if !ok {
		return nil
	}
	var locations []protocol.Location
	for _, r := range refs {
		if r.addr != ref.addr || (r.isDef && !includeDecl) {
			continue
		}
		locations = append(locations, protocol.Location{URI: uri, Range: r.rng})
	}
	return locations
}

func (s *LspServer) symbols(text string) []protocol.DocumentSymbol {
	blocks, _ := compiler.Analyze(text, compiler.Options{})
	parsed := make(map[int32]syntax.Block, len(blocks))
	for _, b := range blocks {
		parsed[b.Addr] = b
	}

	var symbols []protocol.DocumentSymbol
	for _, r := range scanRefs(text) {
		if !r.isDef {
			continue
		}
		detail := "does not parse"
		if b, ok := parsed[r.addr]; ok {
			detail = fmt.Sprintf("%d instructions", syntax.Len(b.Body))
		}
		symbols = append(symbols, protocol.DocumentSymbol{
			Name:           fmt.Sprintf("block %d", r.addr),
			Detail:         &detail,
			Kind:           protocol.SymbolKindFunction,
			Range:          r.head,
			SelectionRange: r.rng,
		})
	}
	return symbols
}

// formatEdits replaces the whole document with its canonical layout. A
// document that does not parse is left alone.
func formatEdits(text string) []protocol.TextEdit {
	blocks, errs := compiler.Parse(text)
	if len(errs) > 0 {
		return nil
	}
	formatted := syntax.FormatString(blocks)
	if formatted == text {
		return nil
	}
	lines := strings.Split(text, "\n")
	end := protocol.Position{
		Line:      protocol.UInteger(len(lines) - 1),
		Character: protocol.UInteger(len(lines[len(lines)-1])),
	}
	return []protocol.TextEdit{{
		Range:   protocol.Range{Start: protocol.Position{}, End: end},
		NewText: formatted,
	}}
}

// --- Diagnostics ---

func (s *LspServer) diagnostics(text string) []protocol.Diagnostic {
	_, diags := compiler.Analyze(text, compiler.Options{Registers: s.registers})

	lines := strings.Split(text, "\n")
	source := lspName
	result := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		severity := protocol.DiagnosticSeverityError
		if d.Severity == compiler.SeverityWarning {
			severity = protocol.DiagnosticSeverityWarning
		}
		rng := protocol.Range{}
		if d.Pos.IsValid() {
			start := toProtocol(d.Pos)
			end := start
			if int(start.Line) < len(lines) {
				end.Character = protocol.UInteger(len(lines[start.Line]))
			}
			rng = protocol.Range{Start: start, End: end}
		}
		result = append(result, protocol.Diagnostic{
			Range:    rng,
			Severity: &severity,
			Source:   &source,
			Message:  d.Message,
		})
	}
	return result
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: s.diagnostics(text),
	})
}

// --- Text extraction helpers ---

// toProtocol converts a 1-based source position to a 0-based LSP one.
func toProtocol(p syntax.Position) protocol.Position {
	if !p.IsValid() {
		return protocol.Position{}
	}
	return protocol.Position{
		Line:      protocol.UInteger(p.Line - 1),
		Character: protocol.UInteger(p.Column - 1),
	}
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the word
	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			start--
		} else {
			break
		}
	}
	if start > 0 && line[start-1] == '-' && start < col && unicode.IsDigit(rune(line[start])) {
		start--
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Find start
	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			start--
		} else {
			break
		}
	}

	// Find end
	end := col
	for end < len(line) {
		ch := rune(line[end])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			end++
		} else {
			break
		}
	}

	return line[start:end]
}

func markdown(s string) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: s,
		},
	}
}

func boolPtr(b bool) *bool {
	return &b
}
