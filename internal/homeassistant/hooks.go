package homeassistant

import (
	"fmt"
	"reflect"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/mitchellh/mapstructure"
)

// StringToEntityIDHookFunc decodes raw "domain.name" strings into EntityIDs.
func StringToEntityIDHookFunc() mapstructure.DecodeHookFunc { //nolint:ireturn
	return func(f reflect.Type, targetType reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}

		if targetType != reflect.TypeOf(EntityID{}) {
			return data, nil
		}

		if rawEntityID, ok := data.(string); ok {
			entityID, err := NewEntityID(rawEntityID)
			if err != nil {
				return nil, err
			}

			return *entityID, nil
		}

		return nil, models.InvalidEntityIDErr(fmt.Sprint(data))
	}
}
