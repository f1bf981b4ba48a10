package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// State is the key-value space owned by one poller instance.
// Values are stored as JSON documents under state/<instance>/<key>.json.
type State struct {
	store    *Store
	instance string
}

// State returns the key-space for the named poller instance.
func (s *Store) State(instance string) *State {
	return &State{store: s, instance: instance}
}

// Get decodes the value stored under key into v.
// It reports false when the key has never been written.
func (st *State) Get(ctx context.Context, key string, v any) (bool, error) {
	k, err := stateKey(st.instance, key)
	if err != nil {
		return false, err
	}
	data, err := st.store.backend.read(ctx, k)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state %s/%s: %w", st.instance, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal state %s/%s: %w", st.instance, key, err)
	}
	return true, nil
}

// GetMany returns the raw values of the keys that exist. Missing keys are omitted.
func (st *State) GetMany(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		k, err := stateKey(st.instance, key)
		if err != nil {
			return nil, err
		}
		data, err := st.store.backend.read(ctx, k)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read state %s/%s: %w", st.instance, key, err)
		}
		values[key] = json.RawMessage(data)
	}
	return values, nil
}

// List returns every key and raw value in the instance's key-space.
func (st *State) List(ctx context.Context) (map[string]json.RawMessage, error) {
	if !validName(st.instance) {
		return nil, fmt.Errorf("invalid state instance name %q", st.instance)
	}
	prefix := statePrefix + st.instance + "/"
	keys, err := st.store.backend.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list state %s: %w", st.instance, err)
	}

	values := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		name, ok := baseName(k, prefix)
		if !ok {
			continue
		}
		data, err := st.store.backend.read(ctx, k)
		if IsNotFound(err) {
			// Removed between list and read.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read state %s/%s: %w", st.instance, name, err)
		}
		values[name] = json.RawMessage(data)
	}
	return values, nil
}

// Put stores v under key.
func (st *State) Put(ctx context.Context, key string, v any) error {
	k, err := stateKey(st.instance, key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s/%s: %w", st.instance, key, err)
	}
	if err := st.store.backend.write(ctx, k, data); err != nil {
		return fmt.Errorf("write state %s/%s: %w", st.instance, key, err)
	}
	st.store.logger.Debug("State saved", "instance", st.instance, "key", key)
	return nil
}

// PutMany stores each value under its key. Writes are not atomic across keys;
// the first failure stops the loop and is returned.
func (st *State) PutMany(ctx context.Context, values map[string]any) error {
	for key, v := range values {
		if err := st.Put(ctx, key, v); err != nil {
			return err
		}
	}
	return nil
}
