package writer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"csv-import-service/internal/ims"
	"csv-import-service/internal/models"
)

// RowContext is the state a hook operates on: the authenticated client, the
// row's metadata, and its mutable field set.
type RowContext struct {
	Client *ims.Client
	Meta   models.Metadata
	Fields map[string]interface{}
}

// ReportValidation posts a business-validation failure against the
// originating event, prefixed with the row's line number. The returned error
// is non-nil only when the report itself could not be delivered.
func (rc *RowContext) ReportValidation(ctx context.Context, verr *ims.ValidationError) error {
	text := fmt.Sprintf("Line %d: %s", rc.Meta.LineNumber, verr.MessageText)
	msg := models.NewEventMessage(verr.MessageType, text, rc.Meta.UserID, rc.Meta.DeviceName)
	return rc.Client.PostEventMessage(ctx, rc.Meta.EventID, msg)
}

// PreInsertHook runs before the primary create call. Hooks are independent
// and composable; a hook handles its own business errors and returns non-nil
// only for faults that must abort (and later redeliver) the row.
type PreInsertHook func(ctx context.Context, rc *RowContext) error

// PostInsertHook runs after a successful create, with the created resource.
type PostInsertHook func(ctx context.Context, rc *RowContext, created map[string]interface{}) error

// HookRegistry maps resource names to their ordered hook lists. New resource
// behaviors are added here without touching existing hook logic.
type HookRegistry struct {
	preInsert  map[string][]PreInsertHook
	postInsert map[string][]PostInsertHook
}

// PreInsert returns the pre-insert hooks for a resource.
func (r *HookRegistry) PreInsert(resourceName string) []PreInsertHook {
	return r.preInsert[resourceName]
}

// PostInsert returns the post-insert hooks for a resource.
func (r *HookRegistry) PostInsert(resourceName string) []PostInsertHook {
	return r.postInsert[resourceName]
}

// ignorableConflicts enumerates, per parent collection, the validation codes
// that mean "already exists" during parent auto-creation. Swallowing exactly
// these codes is what makes repeated parent creation safe under at-least-once
// delivery.
var ignorableConflicts = map[string]map[string]bool{
	"inboundShipments": {"duplicate_InboundShipment": true},
	"products":         {"duplicate_Product": true},
}

func ignorableConflict(collection, messageCode string) bool {
	return ignorableConflicts[collection][messageCode]
}

// DefaultRegistry wires the resource-specific behaviors of the import
// pipeline.
func DefaultRegistry() *HookRegistry {
	return &HookRegistry{
		preInsert: map[string][]PreInsertHook{
			"inboundShipmentLines": {
				createParent("inboundShipments", "supplierNumber"),
				attachTradeItem,
			},
			"globalTradeItems": {
				createParent("products", "productGroupName"),
				regroupWhen("productGroupName", "productVariantKey", "dimensions"),
			},
			"shipments": {
				regroup("deliveryAddress", "contactPerson"),
			},
		},
		postInsert: map[string][]PostInsertHook{
			"globalTradeItemLots": {stockTaking},
		},
	}
}

// createParent auto-creates a parent resource from the row's fields when the
// trigger field is present. A validation conflict carrying one of the
// parent's ignorable codes is swallowed, any other validation error is
// reported and the row continues.
func createParent(parentCollection, triggerField string) PreInsertHook {
	return func(ctx context.Context, rc *RowContext) error {
		if !hasValue(rc.Fields, triggerField) {
			return nil
		}
		_, err := rc.Client.Create(ctx, parentCollection, rc.Fields)
		if verr, ok := ims.AsValidation(err); ok {
			if ignorableConflict(parentCollection, verr.MessageCode) {
				return nil
			}
			return rc.ReportValidation(ctx, verr)
		}
		return err
	}
}

// attachTradeItem resolves a trade item by its number and attaches its
// identifier as a foreign key, for rows that carry a trade-item number but no
// stock-keeping unit.
func attachTradeItem(ctx context.Context, rc *RowContext) error {
	if hasValue(rc.Fields, "stockKeepingUnit") || !hasValue(rc.Fields, "tradeItemNumber") {
		return nil
	}
	filter := url.Values{"tradeItemNumberMatches": {fmt.Sprint(rc.Fields["tradeItemNumber"])}}
	items, err := rc.Client.List(ctx, "globalTradeItems", filter)
	if err != nil {
		return err
	}
	if len(items) > 0 {
		rc.Fields["globalTradeItemId"] = items[0]["id"]
	}
	return nil
}

// regroup folds dotted field names into nested sub-objects on the record.
func regroup(groups ...string) PreInsertHook {
	return func(ctx context.Context, rc *RowContext) error {
		regroupFields(rc.Fields, groups...)
		return nil
	}
}

// regroupWhen folds dotted field names only for rows carrying the trigger
// field; rows without it keep their fields untouched.
func regroupWhen(triggerField string, groups ...string) PreInsertHook {
	return func(ctx context.Context, rc *RowContext) error {
		if !hasValue(rc.Fields, triggerField) {
			return nil
		}
		regroupFields(rc.Fields, groups...)
		return nil
	}
}

// regroupFields moves every field named group.subfield into a sub-object
// under its group, removing the dotted keys. Dotted keys outside the listed
// groups are dropped.
func regroupFields(fields map[string]interface{}, groups ...string) {
	nested := make(map[string]map[string]interface{}, len(groups))
	for _, group := range groups {
		nested[group] = make(map[string]interface{})
	}
	for name, value := range fields {
		tokens := strings.Split(name, ".")
		if len(tokens) != 2 {
			continue
		}
		if sub, ok := nested[tokens[0]]; ok {
			sub[tokens[1]] = value
		}
		delete(fields, name)
	}
	for group, sub := range nested {
		fields[group] = sub
	}
}

// stockTaking registers the counted quantity of a freshly created item lot
// through the stock-taking invocation.
func stockTaking(ctx context.Context, rc *RowContext, created map[string]interface{}) error {
	v, ok := rc.Fields["numItems"]
	if !ok || v == nil {
		return nil
	}
	body := map[string]interface{}{
		"numItemsCounted":      asNumber(v),
		"globalTradeItemLotId": created["id"],
		"discrepancyCause":     "TRANSFERRED",
	}
	_, err := rc.Client.Invoke(ctx, "countGlobalTradeItemLot", body)
	if verr, ok := ims.AsValidation(err); ok {
		return rc.ReportValidation(ctx, verr)
	}
	return err
}

func hasValue(fields map[string]interface{}, name string) bool {
	v, ok := fields[name]
	return ok && v != nil
}

// asNumber converts decoded string quantities to numbers; anything already
// numeric passes through.
func asNumber(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return v
}
