package plugins

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/routeflow/dispatch/pkg/models"
)

// reservedEntryKeys are the fields of a structured plugin entry. In the
// flat legacy shape everything except these becomes plugin config.
var reservedEntryKeys = map[string]bool{
	"plugin_type": true,
	"config":      true,
	"resources":   true,
	"enabled":     true,
	"module_ref":  true,
	"class_name":  true,
	"entry_point": true,
}

// LoadDocument reads a YAML plugin configuration document.
func LoadDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, models.Wrap(models.ErrConfig, "read plugin configuration "+path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, models.Wrap(models.ErrConfig, "parse plugin configuration "+path, err)
	}
	return doc, nil
}

// normalizeEntry folds the three accepted entry shapes into one
// PluginConfiguration:
//
//   - new: {plugin_type, config: {...}, module_ref, ...}
//   - legacy: {plugin_type, resources: {...}, module_ref, ...}
//   - legacy flat: {"<plugin_type>": {module_ref, ..., <config keys>}}
func normalizeEntry(entry any) (models.PluginConfiguration, error) {
	fields, ok := entry.(map[string]any)
	if !ok {
		return models.PluginConfiguration{}, models.Errorf(models.ErrConfig,
			"plugin entry is %T, want a map", entry)
	}

	if _, structured := fields["plugin_type"]; !structured {
		return normalizeFlatEntry(fields)
	}

	cfg := models.PluginConfiguration{
		PluginType: stringField(fields, "plugin_type"),
		ModuleRef:  stringField(fields, "module_ref"),
		ClassName:  stringField(fields, "class_name"),
		EntryPoint: stringField(fields, "entry_point"),
		Enabled:    enabledField(fields),
	}
	if config, ok := fields["config"].(map[string]any); ok {
		cfg.Config = config
	} else if resources, ok := fields["resources"].(map[string]any); ok {
		cfg.Config = resources
	} else {
		cfg.Config = map[string]any{}
	}
	return validate(cfg)
}

// normalizeFlatEntry handles the oldest shape: a single-key map whose key
// is the plugin type and whose value mixes routing fields with config.
func normalizeFlatEntry(fields map[string]any) (models.PluginConfiguration, error) {
	if len(fields) != 1 {
		return models.PluginConfiguration{}, models.Errorf(models.ErrConfig,
			"flat plugin entry must have exactly one key, got %d", len(fields))
	}
	for pluginType, v := range fields {
		inner, ok := v.(map[string]any)
		if !ok {
			return models.PluginConfiguration{}, models.Errorf(models.ErrConfig,
				"flat plugin entry %s is %T, want a map", pluginType, v)
		}
		cfg := models.PluginConfiguration{
			PluginType: pluginType,
			ModuleRef:  stringField(inner, "module_ref"),
			ClassName:  stringField(inner, "class_name"),
			EntryPoint: stringField(inner, "entry_point"),
			Enabled:    enabledField(inner),
			Config:     map[string]any{},
		}
		for k, val := range inner {
			if !reservedEntryKeys[k] {
				cfg.Config[k] = val
			}
		}
		return validate(cfg)
	}
	return models.PluginConfiguration{}, models.NewError(models.ErrConfig, "empty flat plugin entry")
}

func validate(cfg models.PluginConfiguration) (models.PluginConfiguration, error) {
	if cfg.PluginType == "" {
		return cfg, models.NewError(models.ErrConfig, "plugin entry has no plugin_type")
	}
	if cfg.ModuleRef == "" {
		return cfg, models.Errorf(models.ErrConfig, "plugin %s has no module_ref", cfg.PluginType)
	}
	return cfg, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

// enabledField defaults to true when the key is absent.
func enabledField(fields map[string]any) bool {
	v, ok := fields["enabled"]
	if !ok {
		return true
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != "false" && b != "0" && b != ""
	default:
		return fmt.Sprintf("%v", v) != "false"
	}
}
