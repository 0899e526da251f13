package flow

import "sync"

// Containers records which card form containers each flow's browser has
// reported as visible. It is the default Surface.
type Containers struct {
	mu      sync.RWMutex
	visible map[string]map[string]bool
}

var _ Surface = (*Containers)(nil)

// NewContainers returns an empty registry.
func NewContainers() *Containers {
	return &Containers{visible: make(map[string]map[string]bool)}
}

// Set records the visibility of containerID for flowID.
func (c *Containers) Set(flowID, containerID string, visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.visible[flowID]
	if !ok {
		m = make(map[string]bool)
		c.visible[flowID] = m
	}
	m[containerID] = visible
}

// Forget drops everything recorded for flowID.
func (c *Containers) Forget(flowID string) {
	c.mu.Lock()
	delete(c.visible, flowID)
	c.mu.Unlock()
}

// ContainerVisible implements Surface.
func (c *Containers) ContainerVisible(flowID, containerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visible[flowID][containerID]
}
