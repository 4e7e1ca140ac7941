// Package registry 维护可调用函数目录：名称、参数模式、读写标签与处理器。
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tag 区分只读与写入函数。
type Tag string

const (
	TagRead  Tag = "read"
	TagWrite Tag = "write"
)

// Args 是经过规范化的调用参数，数值为 json.Number。
type Args map[string]any

// ReadEnv 是只读处理器的执行环境。
type ReadEnv struct {
	Network web3.Network
	Def     web3.NetworkDefinition
	// Chain 与 Address 仅在 NeedsAgent 为 true 时有值。
	Chain   web3.Chain
	Address common.Address
}

// BuildEnv 是写入处理器构造交易时的环境。
type BuildEnv struct {
	Network web3.Network
	Def     web3.NetworkDefinition
	From    common.Address
}

// ReadFunc 执行只读查询并返回展示用结果。
type ReadFunc func(ctx context.Context, env ReadEnv, args Args) (map[string]any, error)

// BuildFunc 构造待签名交易，并返回附加到回执中的摘要。
type BuildFunc func(ctx context.Context, env BuildEnv, args Args) (web3.TxRequest, map[string]any, error)

// CheckFunc 在访问网络之前，基于网络配置校验参数（市场、资产是否存在等）。
type CheckFunc func(def web3.NetworkDefinition, args Args) error

// Function 是一个可被模型调用的函数。
type Function struct {
	Name        string
	Description string
	Tag         Tag
	NeedsAgent  bool
	Schema      json.RawMessage

	// Validate 在模式校验之后执行与网络无关的领域校验。
	Validate func(args Args) error
	Check    CheckFunc
	Read     ReadFunc
	Build    BuildFunc

	compiled *jsonschema.Schema
}

// Definition 是导出给语言模型的工具描述。
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry 保存函数目录。注册完成后只读，可被并发使用。
type Registry struct {
	mu        sync.RWMutex
	functions map[string]*Function
	defs      web3.ChainDefinitions
}

// New 创建包含全部内置函数的目录。
func New(defs web3.ChainDefinitions) (*Registry, error) {
	r := &Registry{functions: make(map[string]*Function), defs: defs}
	for _, fn := range builtins() {
		if err := r.Register(fn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 编译参数模式并加入目录。
func (r *Registry) Register(fn *Function) error {
	if fn == nil || strings.TrimSpace(fn.Name) == "" {
		return fmt.Errorf("函数名称不能为空")
	}
	switch fn.Tag {
	case TagRead:
		if fn.Read == nil {
			return fmt.Errorf("只读函数 %s 缺少处理器", fn.Name)
		}
	case TagWrite:
		if fn.Build == nil {
			return fmt.Errorf("写入函数 %s 缺少交易构造器", fn.Name)
		}
		if !fn.NeedsAgent {
			return fmt.Errorf("写入函数 %s 必须绑定代理", fn.Name)
		}
	default:
		return fmt.Errorf("函数 %s 的标签无效: %q", fn.Name, fn.Tag)
	}
	if len(fn.Schema) == 0 {
		fn.Schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	compiler := jsonschema.NewCompiler()
	resource := fn.Name + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(fn.Schema)); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", fn.Name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", fn.Name, err)
	}
	fn.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[fn.Name]; exists {
		return fmt.Errorf("函数 %s 重复注册", fn.Name)
	}
	r.functions[fn.Name] = fn
	return nil
}

// Resolve 按名称查找函数。
func (r *Registry) Resolve(name string) (*Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownFunction, fmt.Sprintf("unknown function %q", name))
	}
	return fn, nil
}

// Validate 校验参数并返回规范化后的副本。整个过程不访问网络。
func (r *Registry) Validate(name string, raw map[string]any) (Args, error) {
	fn, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return fn.validate(raw)
}

func (fn *Function) validate(raw map[string]any) (Args, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	normalized, err := normalize(raw)
	if err != nil {
		return nil, schemaViolation(err.Error())
	}
	if err := fn.compiled.Validate(map[string]any(normalized)); err != nil {
		return nil, schemaViolation(describeValidation(err))
	}
	if fn.Validate != nil {
		if err := fn.Validate(normalized); err != nil {
			return nil, asSchemaViolation(err)
		}
	}
	return normalized, nil
}

// CheckNetwork 在确定有效网络后、建立连接之前校验参数。
func (r *Registry) CheckNetwork(fn *Function, network web3.Network, args Args) (web3.NetworkDefinition, error) {
	def, ok := r.defs.Network(network)
	if !ok {
		return web3.NetworkDefinition{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("network %s is not configured", network))
	}
	if fn.Check != nil {
		if err := fn.Check(def, args); err != nil {
			return web3.NetworkDefinition{}, asSchemaViolation(err)
		}
	}
	return def, nil
}

// Names 返回排序后的函数名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions 导出全部函数的工具描述，按名称排序。
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		fn := r.functions[name]
		out = append(out, Definition{Name: fn.Name, Description: fn.Description, Parameters: fn.Schema})
	}
	return out
}

// Chains 返回目录使用的链配置。
func (r *Registry) Chains() web3.ChainDefinitions { return r.defs }

func normalize(raw map[string]any) (Args, error) {
	content, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return Args(out), nil
}

func describeValidation(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}

func schemaViolation(detail string) error {
	return xerrors.New(xerrors.CodeSchemaViolation, detail)
}

func asSchemaViolation(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return schemaViolation(err.Error())
}
