// Package catalog queries store categories and offers.
package catalog

import (
	"errors"
	"net/url"
	"strconv"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/model"
)

// Error identifiers.
const (
	ErrIDChildCategories = "query-child-categories-request-failed"
	ErrIDOfferBySku      = "query-offer-by-sku-request-failed"
	ErrIDDynamicData     = "query-offer-dynamic-data-request-failed"
)

// ErrEmptySku is returned by validation for a blank sku.
var ErrEmptySku = errors.New("sku is empty")

// Category is a store category and its direct children.
type Category struct {
	ID            string     `json:"id"`
	Description   string     `json:"description,omitempty"`
	SubCategories []Category `json:"subCategories,omitempty"`
}

// Offer is a purchasable store item.
type Offer struct {
	OfferID       string            `json:"offerId"`
	Title         string            `json:"title"`
	NumericPrice  int64             `json:"numericPrice"`
	RegularPrice  int64             `json:"regularPrice"`
	CurrencyCode  string            `json:"currencyCode"`
	DynamicFields map[string]string `json:"dynamicFields"`
}

// DynamicData is per-user item state.
type DynamicData struct {
	ItemID                string `json:"itemId"`
	AvailablePurchase     int    `json:"availablePurchase"`
	AvailableUserPurchase int    `json:"availableUserPurchase"`
}

type categoryInfo struct {
	CategoryPath       string `json:"categoryPath"`
	ParentCategoryPath string `json:"parentCategoryPath"`
	DisplayName        string `json:"displayName"`
}

type regionData struct {
	Price           int64  `json:"price"`
	DiscountedPrice int64  `json:"discountedPrice"`
	CurrencyCode    string `json:"currencyCode"`
}

type image struct {
	ImageURL string `json:"imageUrl"`
}

type itemInfo struct {
	ItemID             string       `json:"itemId"`
	Title              string       `json:"title"`
	Name               string       `json:"name"`
	Sku                string       `json:"sku"`
	Region             string       `json:"region"`
	CategoryPath       string       `json:"categoryPath"`
	ItemType           string       `json:"itemType"`
	EntitlementType    string       `json:"entitlementType"`
	TargetCurrencyCode string       `json:"targetCurrencyCode"`
	Images             []image      `json:"images"`
	RegionData         []regionData `json:"regionData"`
}

// Catalog owns the category, offer and dynamic data caches. Its methods run
// on the designated goroutine.
type Catalog struct {
	env      feature.Env
	language string

	categories map[string]Category
	offers     map[string]Offer
	dynamic    map[string]map[string]DynamicData
}

// New creates an empty Catalog querying in language.
func New(env feature.Env, language string) *Catalog {
	return &Catalog{
		env:        env,
		language:   language,
		categories: make(map[string]Category),
		offers:     make(map[string]Offer),
		dynamic:    make(map[string]map[string]DynamicData),
	}
}

// Category returns a cached category.
func (c *Catalog) Category(path string) (Category, bool) {
	cat, ok := c.categories[path]
	return cat, ok
}

// Offer returns a cached offer.
func (c *Catalog) Offer(offerID string) (Offer, bool) {
	o, ok := c.offers[offerID]
	return o, ok
}

// DynamicData returns owner's cached dynamic data for an item.
func (c *Catalog) DynamicData(owner model.Owner, itemID string) (DynamicData, bool) {
	d, ok := c.dynamic[owner.Key()][itemID]
	return d, ok
}

// QueryChildCategories fetches every category below path. The task runs in
// parallel with owner's serial work.
func (c *Catalog) QueryChildCategories(owner model.Owner, path string, done feature.Delegate) (*engine.Task, error) {
	t := engine.NewTask(owner, &childCategoriesWork{c: c, owner: owner, path: path, done: done}, engine.Parallel())
	return t, c.env.Scheduler.Submit(t)
}

// QueryOfferBySku fetches the offer for sku. The task payload is the list of
// offer ids queried.
func (c *Catalog) QueryOfferBySku(owner model.Owner, sku string, done feature.Delegate) (*engine.Task, error) {
	t := engine.NewTask(owner, &offerBySkuWork{c: c, owner: owner, sku: sku, done: done})
	return t, c.env.Scheduler.Submit(t)
}

// QueryOfferDynamicData fetches owner's dynamic data for offerID.
func (c *Catalog) QueryOfferDynamicData(owner model.Owner, offerID string, done feature.Delegate) (*engine.Task, error) {
	t := engine.NewTask(owner, &dynamicDataWork{c: c, owner: owner, offerID: offerID, done: done})
	return t, c.env.Scheduler.Submit(t)
}

func (c *Catalog) platform() (backend.Caller, error) {
	return c.env.Registry.Resolve(backend.ServicePlatform)
}

// offerFromItem maps an item onto an offer. Prices come from the first
// region entry.
func offerFromItem(it itemInfo) Offer {
	o := Offer{
		OfferID: it.ItemID,
		Title:   it.Title,
		DynamicFields: map[string]string{
			"Region":       it.Region,
			"IsConsumable": strconv.FormatBool(it.EntitlementType == "CONSUMABLE"),
			"Category":     it.CategoryPath,
			"Name":         it.Name,
			"ItemType":     it.ItemType,
			"Sku":          it.Sku,
		},
	}
	if len(it.RegionData) > 0 {
		o.NumericPrice = it.RegionData[0].DiscountedPrice
		o.RegularPrice = it.RegionData[0].Price
		o.CurrencyCode = it.RegionData[0].CurrencyCode
	}
	if len(it.Images) > 0 {
		o.DynamicFields["IconUrl"] = it.Images[0].ImageURL
	}
	if it.ItemType == "COINS" {
		o.DynamicFields["TargetCurrencyCode"] = it.TargetCurrencyCode
	}
	return o
}

type childCategoriesWork struct {
	c      *Catalog
	owner  model.Owner
	path   string
	done   feature.Delegate
	caller backend.Caller
	found  map[string]Category
}

func (w *childCategoriesWork) Name() string { return "query-child-categories" }

func (w *childCategoriesWork) Validate() (err error) {
	w.caller, err = w.c.platform()
	return err
}

func (w *childCategoriesWork) Initialize(t *engine.Task) {
	root := w.c.categories[w.path]
	root.ID = w.path
	root.SubCategories = nil
	w.found = map[string]Category{w.path: root}

	req := backend.Request{
		Method: "GET",
		Path:   "/public/categories/" + url.PathEscape(w.path) + "/descendants",
		Query:  url.Values{"language": {w.c.language}},
		Token:  w.c.env.Token(w.owner),
	}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDChildCategories, func(t *engine.Task, r engine.Result) {
		var infos []categoryInfo
		if err := feature.Decode(r, &infos); err != nil {
			t.Fail(model.OutcomeRequestFailed, ErrIDChildCategories)
			return
		}
		for _, info := range infos {
			parent := w.found[info.ParentCategoryPath]
			parent.ID = info.ParentCategoryPath
			child := Category{ID: info.CategoryPath, Description: info.DisplayName}
			parent.SubCategories = append(parent.SubCategories, child)
			w.found[parent.ID] = parent
			if _, ok := w.found[child.ID]; !ok {
				w.found[child.ID] = child
			}
		}
		t.Succeed(len(infos))
	}))
}

func (w *childCategoriesWork) Finalize(t *engine.Task) {
	if !t.OK() {
		return
	}
	for id, cat := range w.found {
		w.c.categories[id] = cat
	}
}

func (w *childCategoriesWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }

type offerBySkuWork struct {
	c      *Catalog
	owner  model.Owner
	sku    string
	done   feature.Delegate
	caller backend.Caller
	offer  Offer
}

func (w *offerBySkuWork) Name() string { return "query-offer-by-sku" }

func (w *offerBySkuWork) Validate() (err error) {
	if w.sku == "" {
		return ErrEmptySku
	}
	w.caller, err = w.c.platform()
	return err
}

func (w *offerBySkuWork) Initialize(t *engine.Task) {
	req := backend.Request{
		Method: "GET",
		Path:   "/public/items/bySku",
		Query:  url.Values{"sku": {w.sku}, "language": {w.c.language}},
		Token:  w.c.env.Token(w.owner),
	}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDOfferBySku, func(t *engine.Task, r engine.Result) {
		var it itemInfo
		if err := feature.Decode(r, &it); err != nil {
			t.Fail(model.OutcomeRequestFailed, ErrIDOfferBySku)
			return
		}
		w.offer = offerFromItem(it)
		t.Succeed([]string{w.offer.OfferID})
	}))
}

func (w *offerBySkuWork) Finalize(t *engine.Task) {
	if t.OK() {
		w.c.offers[w.offer.OfferID] = w.offer
	}
}

func (w *offerBySkuWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }

type dynamicDataWork struct {
	c       *Catalog
	owner   model.Owner
	offerID string
	done    feature.Delegate
	caller  backend.Caller
	data    DynamicData
}

func (w *dynamicDataWork) Name() string { return "query-offer-dynamic-data" }

func (w *dynamicDataWork) Validate() (err error) {
	w.caller, err = w.c.platform()
	return err
}

func (w *dynamicDataWork) Initialize(t *engine.Task) {
	req := backend.Request{
		Method: "GET",
		Path:   "/public/users/me/items/" + url.PathEscape(w.offerID) + "/dynamic",
		Token:  w.c.env.Token(w.owner),
	}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDDynamicData, func(t *engine.Task, r engine.Result) {
		if err := feature.Decode(r, &w.data); err != nil {
			t.Fail(model.OutcomeRequestFailed, ErrIDDynamicData)
			return
		}
		t.Succeed([]string{w.data.ItemID})
	}))
}

func (w *dynamicDataWork) Finalize(t *engine.Task) {
	if !t.OK() {
		return
	}
	m, ok := w.c.dynamic[w.owner.Key()]
	if !ok {
		m = make(map[string]DynamicData)
		w.c.dynamic[w.owner.Key()] = m
	}
	m[w.data.ItemID] = w.data
}

func (w *dynamicDataWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }
