package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

// OpType names one bill edit.
type OpType string

const (
	OpAddItem           OpType = "addItem"
	OpEditItem          OpType = "editItem"
	OpDeleteItem        OpType = "deleteItem"
	OpSetAssignment     OpType = "setAssignment"
	OpAddPerson         OpType = "addPerson"
	OpAddFriends        OpType = "addFriends"
	OpRemovePerson      OpType = "removePerson"
	OpSetTax            OpType = "setTax"
	OpSetTip            OpType = "setTip"
	OpSetCustomTip      OpType = "setCustomTip"
	OpSetCustomTax      OpType = "setCustomTax"
	OpSetSplitEvenly    OpType = "setSplitEvenly"
	OpSetAssignmentMode OpType = "setAssignmentMode"
	OpLoadBillData      OpType = "loadBillData"
)

// Op is one edit in a Mutate call. Only the fields its Type reads are used.
type Op struct {
	Type      OpType                `json:"type"`
	ItemID    string                `json:"itemId,omitempty"`
	PersonID  string                `json:"personId,omitempty"`
	Name      string                `json:"name,omitempty"`
	Price     string                `json:"price,omitempty"`
	Amount    string                `json:"amount,omitempty"`
	Text      string                `json:"text,omitempty"`
	VenmoID   string                `json:"venmoId,omitempty"`
	Included  bool                  `json:"included,omitempty"`
	On        bool                  `json:"on,omitempty"`
	Mode      models.AssignmentMode `json:"mode,omitempty"`
	FriendIDs []string              `json:"friendIds,omitempty"`
	SquadID   string                `json:"squadId,omitempty"`
	BillData  *models.BillData      `json:"billData,omitempty"`
}

// applyOps runs ops in order. The first failure stops the batch; callers run
// it on a copy so a failed batch changes nothing.
func applyOps(e *billedit.Editor, ops []Op, friends map[int][]models.Friend) error {
	for i, op := range ops {
		if err := applyOp(e, op, friends[i]); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Type, err)
		}
	}
	return nil
}

func applyOp(e *billedit.Editor, op Op, friends []models.Friend) error {
	switch op.Type {
	case OpAddItem:
		_, err := e.AddItem(op.Name, op.Price)
		return err
	case OpEditItem:
		return e.EditItem(op.ItemID, op.Name, op.Price)
	case OpDeleteItem:
		e.DeleteItem(op.ItemID)
	case OpSetAssignment:
		return e.SetAssignment(op.ItemID, op.PersonID, op.Included)
	case OpAddPerson:
		_, err := e.AddPerson(op.Name, op.VenmoID)
		return err
	case OpAddFriends:
		e.AddFriends(friends)
	case OpRemovePerson:
		e.RemovePerson(op.PersonID)
	case OpSetTax:
		return e.SetTax(op.Amount)
	case OpSetTip:
		return e.SetTip(op.Amount)
	case OpSetCustomTip:
		e.SetCustomTip(op.Text)
	case OpSetCustomTax:
		e.SetCustomTax(op.Text)
	case OpSetSplitEvenly:
		e.SetSplitEvenly(op.On)
	case OpSetAssignmentMode:
		if op.Mode != models.AssignByItem && op.Mode != models.AssignByPerson {
			return fmt.Errorf("%w: unknown assignment mode %q", errInvalidOp, op.Mode)
		}
		e.SetAssignmentMode(op.Mode)
	case OpLoadBillData:
		if op.BillData == nil {
			return fmt.Errorf("%w: billData is required", errInvalidOp)
		}
		e.LoadBillData(*op.BillData)
	default:
		return fmt.Errorf("%w: unknown op type %q", errInvalidOp, op.Type)
	}
	return nil
}

// resolveFriends looks up the directory entries addFriends ops refer to, by
// friend ID or by squad. It runs before the edit so no store call happens
// while a manager is locked.
func resolveFriends(ctx context.Context, store storage.FriendStore, ownerID string, ops []Op) (map[int][]models.Friend, error) {
	if !needsFriends(ops) {
		return nil, nil
	}

	all, err := store.ListFriends(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	byID := make(map[string]models.Friend, len(all))
	for _, f := range all {
		byID[f.ID] = *f
	}

	var squads map[string]*models.Squad
	resolved := make(map[int][]models.Friend)
	for i, op := range ops {
		if op.Type != OpAddFriends {
			continue
		}
		ids := op.FriendIDs
		if op.SquadID != "" {
			if squads == nil {
				list, err := store.ListSquads(ctx, ownerID)
				if err != nil {
					return nil, fmt.Errorf("failed to list squads: %w", err)
				}
				squads = make(map[string]*models.Squad, len(list))
				for _, s := range list {
					squads[s.ID] = s
				}
			}
			squad, ok := squads[op.SquadID]
			if !ok {
				return nil, fmt.Errorf("squad %s: %w", op.SquadID, storage.ErrNotFound)
			}
			ids = slices.Concat(ids, squad.FriendIDs)
		}
		for _, id := range ids {
			f, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("friend %s: %w", id, storage.ErrNotFound)
			}
			resolved[i] = append(resolved[i], f)
		}
	}
	return resolved, nil
}

func needsFriends(ops []Op) bool {
	return slices.ContainsFunc(ops, func(op Op) bool { return op.Type == OpAddFriends })
}

// Summary is the derived view of an edit state returned with every mutation.
type Summary struct {
	Totals           []models.PersonTotal `json:"totals"`
	AllItemsAssigned bool                 `json:"allItemsAssigned"`
	EffectiveTip     models.Money         `json:"effectiveTip"`
	EffectiveTax     models.Money         `json:"effectiveTax"`
}

func summarize(state models.EditState) Summary {
	work := state.Clone()
	e := billedit.New(&work)
	totals := e.Totals()
	if totals == nil {
		totals = []models.PersonTotal{}
	}
	return Summary{
		Totals:           totals,
		AllItemsAssigned: e.AllItemsAssigned(),
		EffectiveTip:     e.EffectiveTip(),
		EffectiveTax:     e.EffectiveTax(),
	}
}
