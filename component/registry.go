package component

import (
	"errors"
	"fmt"
	"sync"
)

// Registry 组件注册中心
// 1. 通过 map 存储组件 ID 和组件实例的映射
// 2. 通过读写锁 mux 保护 map 的并发安全性
// 3. 作为 Terminator 的 Resolver, 根据 InvocationContext.TargetType 找到组件实例
type Registry struct {
	mux        sync.RWMutex
	components map[string]TCCComponent
}

func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]TCCComponent),
	}
}

// Register 注册组件, 组件 ID 不能重复
func (r *Registry) Register(component TCCComponent) error {
	if component == nil || component.ID() == "" {
		return errors.New("invalid component")
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.components[component.ID()]; ok {
		return errors.New("repeat component id")
	}
	r.components[component.ID()] = component
	return nil
}

// Resolve 根据组件 ID 获取组件实例
func (r *Registry) Resolve(componentID string) (TCCComponent, error) {
	components, err := r.GetComponents(componentID)
	if err != nil {
		return nil, err
	}
	return components[0], nil
}

// GetComponents 批量获取组件, 任意一个不存在时返回错误
func (r *Registry) GetComponents(componentIDs ...string) ([]TCCComponent, error) {
	components := make([]TCCComponent, 0, len(componentIDs))

	r.mux.RLock()
	defer r.mux.RUnlock()

	for _, componentID := range componentIDs {
		component, ok := r.components[componentID]
		if !ok {
			return nil, fmt.Errorf("component id: %s not existed", componentID)
		}
		components = append(components, component)
	}

	return components, nil
}
