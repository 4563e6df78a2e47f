package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithrun/pith/pkg/logging"
	"github.com/pithrun/pith/pkg/store"
)

func argFloat(args map[string]interface{}, key string, def float64) float64 {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}

func argStringSlice(args map[string]interface{}, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RegisterMemoryTools installs memory_save and memory_search, backed by
// store.Store's FTS5-plus-recency ranking.
func RegisterMemoryTools(r *Registry, st store.Store) error {
	saveD := Descriptor{
		Name:        "memory_save",
		Description: "Save a fact or observation to long-term memory. kind is 'durable' (survives forever) or 'episodic' (kept like durable entries; nothing prunes them); defaults to episodic.",
		Params: []ParamSchema{
			{Name: "text", Type: "string", Required: true},
			{Name: "kind", Type: "string", Description: "'durable' or 'episodic'"},
			{Name: "tags", Type: "array"},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			text, _ := argString(args, "text")
			if strings.TrimSpace(text) == "" {
				return "", fmt.Errorf("text is required")
			}
			kind := store.MemoryEpisodic
			if k, ok := argString(args, "kind"); ok && k == string(store.MemoryDurable) {
				kind = store.MemoryDurable
			}
			entry := store.MemoryEntry{
				ID:     "mem-" + uuid.NewString(),
				Text:   text,
				Kind:   kind,
				Tags:   argStringSlice(args, "tags"),
				Source: "tool:memory_save",
			}
			saved, err := st.SaveMemory(ctx, entry)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("saved %s (%s)", saved.ID, saved.Kind), nil
		},
	}
	searchD := Descriptor{
		Name:        "memory_search",
		Description: "Search long-term memory by lexical relevance with a recency tie-breaker.",
		Params: []ParamSchema{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "number", Description: "max results, default 5"},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, _ := argString(args, "query")
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := int(argFloat(args, "limit", 5))
			if limit <= 0 {
				limit = 5
			}
			hits, err := st.SearchMemory(ctx, query, limit, 0.1)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return "no matching memories", nil
			}
			var b strings.Builder
			for _, h := range hits {
				fmt.Fprintf(&b, "[%s score=%.3f] %s\n", h.ID, h.Score, h.Text)
			}
			return b.String(), nil
		},
	}
	for _, d := range []Descriptor{saveD, searchD} {
		if err := r.RegisterBuiltin(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterProfileTool installs set_profile, the only way agent/user profile
// fields are written. Outside bootstrap, overwriting an already-populated
// required field is refused unless confirm=true (decided Open Question,
// audited as profile_update either way).
func RegisterProfileTool(r *Registry, st store.Store) error {
	d := Descriptor{
		Name:        "set_profile",
		Description: "Set fields on the agent's or the user's profile. target is 'agent' or 'user'. Overwriting an already-populated required field outside bootstrap requires confirm=true.",
		Params: []ParamSchema{
			{Name: "target", Type: "string", Required: true, Description: "'agent' or 'user'"},
			{Name: "fields", Type: "object", Required: true},
			{Name: "confirm", Type: "boolean"},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (result string, err error) {
			target, _ := argString(args, "target")
			fieldsRaw, _ := args["fields"].(map[string]interface{})

			defer func() {
				raw, _ := json.Marshal(fieldsRaw)
				_ = st.LogToolInvocation(ctx, store.ToolInvocationLog{
					ID:        "tlog-" + uuid.NewString(),
					ToolName:  "set_profile:" + target,
					ArgsJSON:  string(raw),
					OK:        err == nil,
					CreatedAt: time.Now(),
				})
				detail := ""
				if err != nil {
					detail = err.Error()
				}
				logging.Audit("profile_update", map[string]interface{}{"target": target, "ok": err == nil, "detail": detail})
			}()

			if fieldsRaw == nil {
				return "", fmt.Errorf("fields must be an object")
			}
			confirm, _ := args["confirm"].(bool)

			bootstrapComplete, _, err := st.GetAppState(ctx, store.AppStateBootstrapComplete)
			if err != nil {
				return "", err
			}
			inBootstrap := bootstrapComplete != "true"

			switch target {
			case "agent":
				p, err := st.GetAgentProfile(ctx)
				if err != nil {
					return "", err
				}
				if err := applyProfileFields(&p, fieldsRaw, inBootstrap, confirm); err != nil {
					return "", err
				}
				if err := st.SetAgentProfile(ctx, p); err != nil {
					return "", err
				}
			case "user":
				p, err := st.GetUserProfile(ctx)
				if err != nil {
					return "", err
				}
				if err := applyUserProfileFields(&p, fieldsRaw, inBootstrap, confirm); err != nil {
					return "", err
				}
				if err := st.SetUserProfile(ctx, p); err != nil {
					return "", err
				}
			default:
				return "", fmt.Errorf("target must be 'agent' or 'user', got %q", target)
			}

			return fmt.Sprintf("%s profile updated", target), nil
		},
	}
	return r.RegisterBuiltin(d)
}

func applyProfileFields(p *store.AgentProfile, fields map[string]interface{}, inBootstrap, confirm bool) error {
	setStr := func(cur *string, key string) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		s, _ := v.(string)
		if !inBootstrap && *cur != "" && !confirm {
			return fmt.Errorf("refusing to overwrite non-empty agent.%s outside bootstrap without confirm=true", key)
		}
		*cur = s
		return nil
	}
	if err := setStr(&p.Name, "name"); err != nil {
		return err
	}
	if err := setStr(&p.Nature, "nature"); err != nil {
		return err
	}
	if err := setStr(&p.Vibe, "vibe"); err != nil {
		return err
	}
	if err := setStr(&p.Emoji, "emoji"); err != nil {
		return err
	}
	if v, ok := fields["notes"].(string); ok {
		p.Notes = v
	}
	return nil
}

func applyUserProfileFields(p *store.UserProfile, fields map[string]interface{}, inBootstrap, confirm bool) error {
	setStr := func(cur *string, key string) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		s, _ := v.(string)
		if !inBootstrap && *cur != "" && !confirm {
			return fmt.Errorf("refusing to overwrite non-empty user.%s outside bootstrap without confirm=true", key)
		}
		*cur = s
		return nil
	}
	if err := setStr(&p.Name, "name"); err != nil {
		return err
	}
	if err := setStr(&p.PreferredAddress, "preferred_address"); err != nil {
		return err
	}
	if err := setStr(&p.Timezone, "timezone"); err != nil {
		return err
	}
	if v, ok := fields["notes"].(string); ok {
		p.Notes = v
	}
	return nil
}
