package httpapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/search"
)

// flexString принимает в JSON и строку, и число (идентификаторы из старых клиентов).
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(raw))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*s = flexString(number.String())
	return nil
}

func firstNonEmpty(values ...flexString) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// Запросы корзины.

type externalItemRequest struct {
	ID         flexString       `json:"id"`
	Code       flexString       `json:"code"`
	ExternalID flexString       `json:"externalId"`
	Name       string           `json:"name"`
	Price      *decimal.Decimal `json:"price"`
	Image      string           `json:"image"`
}

type cartItemRequest struct {
	ProductID    flexString           `json:"productId"`
	ExternalID   flexString           `json:"externalId"`
	ExternalItem *externalItemRequest `json:"externalItem"`
	Name         string               `json:"name"`
	Price        *decimal.Decimal     `json:"price"`
	Image        string               `json:"image"`
	Quantity     *int                 `json:"quantity"`
	SessionID    string               `json:"sessionId"`
}

func (r cartItemRequest) ref() domain.ProductRef {
	if item := r.ExternalItem; item != nil {
		code := firstNonEmpty(item.ExternalID, item.Code, item.ID, r.ExternalID, r.ProductID)
		return domain.ExternalRef(code, externalDescriptor(item.Name, item.Price, item.Image))
	}
	if r.ExternalID != "" {
		return domain.ExternalRef(string(r.ExternalID), externalDescriptor(r.Name, r.Price, r.Image))
	}
	return domain.ParseRefKey(string(r.ProductID))
}

func externalDescriptor(name string, price *decimal.Decimal, image string) domain.ExternalItem {
	item := domain.ExternalItem{Name: strings.TrimSpace(name), Image: strings.TrimSpace(image)}
	if price != nil {
		item.Price = *price
	}
	return item
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

// Запросы заказов.

type orderItemRequest struct {
	ProductID  flexString       `json:"productId"`
	Product    flexString       `json:"product"`
	LegacyID   flexString       `json:"_id"`
	ExternalID flexString       `json:"externalId"`
	Quantity   *int             `json:"quantity"`
	Qty        *int             `json:"qty"`
	Name       string           `json:"name"`
	Price      *decimal.Decimal `json:"price"`
	Image      string           `json:"image"`
}

func (r orderItemRequest) line() checkout.LineRequest {
	line := checkout.LineRequest{
		Name:  strings.TrimSpace(r.Name),
		Image: strings.TrimSpace(r.Image),
	}
	if r.Price != nil {
		line.Price = *r.Price
	}
	switch {
	case r.Quantity != nil:
		line.Quantity = *r.Quantity
	case r.Qty != nil:
		line.Quantity = *r.Qty
	}

	if r.ExternalID != "" {
		line.Ref = domain.ExternalRef(string(r.ExternalID), domain.ExternalItem{Name: line.Name, Price: line.Price, Image: line.Image})
		return line
	}
	line.Ref = domain.ParseRefKey(firstNonEmpty(r.ProductID, r.Product, r.LegacyID))
	if !line.Ref.IsInternal() {
		line.Ref.External = &domain.ExternalItem{Name: line.Name, Price: line.Price, Image: line.Image}
	}
	return line
}

type addressRequest struct {
	Address    string `json:"address"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	Pincode    string `json:"pincode"`
	ZipCode    string `json:"zipCode"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

func (r *addressRequest) toDomain() domain.ShippingAddress {
	if r == nil {
		return domain.ShippingAddress{}
	}
	street := r.Street
	if strings.TrimSpace(street) == "" {
		street = r.Address
	}
	zip := r.ZipCode
	for _, alt := range []string{r.Pincode, r.PostalCode} {
		if strings.TrimSpace(zip) == "" {
			zip = alt
		}
	}
	return domain.ShippingAddress{
		Street:  street,
		City:    r.City,
		State:   r.State,
		ZipCode: zip,
		Country: r.Country,
	}.Normalize()
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	Products        []orderItemRequest `json:"products"`
	TotalAmount     decimal.Decimal    `json:"totalAmount"`
	ShippingAddress *addressRequest    `json:"shippingAddress"`
	Address         *addressRequest    `json:"address"`
	PaymentMethod   string             `json:"paymentMethod"`
	SessionID       string             `json:"sessionId"`
}

func (r createOrderRequest) toCheckout(owner domain.CartIdentity) checkout.CreateOrderRequest {
	items := r.Items
	if len(items) == 0 {
		items = r.Products
	}
	lines := make([]checkout.LineRequest, 0, len(items))
	for _, item := range items {
		lines = append(lines, item.line())
	}
	address := r.ShippingAddress
	if address == nil {
		address = r.Address
	}
	return checkout.CreateOrderRequest{
		Owner:           owner,
		Lines:           lines,
		TotalAmount:     r.TotalAmount,
		ShippingAddress: address.toDomain(),
		PaymentMethod:   r.PaymentMethod,
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

type paymentRequest struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	UpdateTime   string `json:"update_time"`
	EmailAddress string `json:"email_address"`
}

// Ответы.

type ownerView struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func newOwnerView(identity domain.CartIdentity) ownerView {
	return ownerView{Kind: string(identity.Kind), ID: identity.Value}
}

type cartLineView struct {
	Key        string          `json:"key"`
	ProductID  string          `json:"productId,omitempty"`
	ExternalID string          `json:"externalId,omitempty"`
	Source     string          `json:"source"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Image      string          `json:"image,omitempty"`
	Quantity   int             `json:"quantity"`
	Stock      int             `json:"countInStock"`
	Available  bool            `json:"available"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

type cartView struct {
	Owner         ownerView       `json:"owner"`
	IsGuest       bool            `json:"isGuest"`
	Items         []cartLineView  `json:"items"`
	TotalQuantity int             `json:"totalQuantity"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

func refKey(ref domain.ProductRef) string {
	if ref.IsInternal() {
		return ref.ID
	}
	return ref.Key()
}

func refFields(ref domain.ProductRef) (productID, externalID, source string) {
	if ref.IsInternal() {
		return ref.ID, "", string(search.SourceLocal)
	}
	return "", ref.ID, string(search.SourceExternal)
}

func newCartView(view cart.View) cartView {
	result := cartView{
		Owner:         newOwnerView(view.Identity),
		IsGuest:       view.Identity.IsGuest(),
		Items:         make([]cartLineView, 0, len(view.Lines)),
		TotalQuantity: view.TotalQuantity,
		Subtotal:      view.Subtotal,
	}
	for _, line := range view.Lines {
		productID, externalID, source := refFields(line.Ref)
		result.Items = append(result.Items, cartLineView{
			Key:        refKey(line.Ref),
			ProductID:  productID,
			ExternalID: externalID,
			Source:     source,
			Name:       line.Name,
			Price:      line.Price,
			Image:      line.Image,
			Quantity:   line.Quantity,
			Stock:      line.Stock,
			Available:  line.Available,
			Subtotal:   line.Subtotal,
		})
	}
	return result
}

type skippedLineView struct {
	Key      string `json:"key"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

type mergeView struct {
	Cart    cartView          `json:"cart"`
	Merged  int               `json:"merged"`
	Skipped []skippedLineView `json:"skipped"`
}

type orderLineView struct {
	ID         string          `json:"_id"`
	ProductID  string          `json:"productId,omitempty"`
	ExternalID string          `json:"externalId,omitempty"`
	Source     string          `json:"source"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Image      string          `json:"image,omitempty"`
}

type addressView struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country,omitempty"`
}

type orderView struct {
	ID              string          `json:"_id"`
	Owner           ownerView       `json:"owner"`
	Items           []orderLineView `json:"orderItems"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	ShippingAddress addressView     `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	PaymentResult   *paymentRequest `json:"paymentResult,omitempty"`
	Status          string          `json:"status"`
	IsPaid          bool            `json:"isPaid"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	IsDelivered     bool            `json:"isDelivered"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func newOrderView(order domain.Order) orderView {
	view := orderView{
		ID:          order.ID,
		Owner:       newOwnerView(order.Owner),
		Items:       make([]orderLineView, 0, len(order.Lines)),
		TotalAmount: order.TotalAmount,
		ShippingAddress: addressView{
			Street:  order.ShippingAddress.Street,
			City:    order.ShippingAddress.City,
			State:   order.ShippingAddress.State,
			ZipCode: order.ShippingAddress.ZipCode,
			Country: order.ShippingAddress.Country,
		},
		PaymentMethod: order.PaymentMethod,
		Status:        string(order.Status),
		IsPaid:        order.IsPaid,
		PaidAt:        order.PaidAt,
		IsDelivered:   order.IsDelivered,
		DeliveredAt:   order.DeliveredAt,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
	if result := order.PaymentResult; result != nil {
		view.PaymentResult = &paymentRequest{
			ID:           result.ID,
			Status:       result.Status,
			UpdateTime:   result.UpdateTime,
			EmailAddress: result.EmailAddress,
		}
	}
	for _, line := range order.Lines {
		productID, externalID, source := refFields(line.Ref)
		view.Items = append(view.Items, orderLineView{
			ID:         line.ID,
			ProductID:  productID,
			ExternalID: externalID,
			Source:     source,
			Name:       line.Name,
			Quantity:   line.Quantity,
			Price:      line.Price,
			Image:      line.Image,
		})
	}
	return view
}

func newOrderViews(orders []domain.Order) []orderView {
	views := make([]orderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, newOrderView(order))
	}
	return views
}

type timelineEventView struct {
	Type       string    `json:"type"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type trackingView struct {
	OrderID     string              `json:"orderId"`
	Status      string              `json:"status"`
	IsPaid      bool                `json:"isPaid"`
	PaidAt      *time.Time          `json:"paidAt,omitempty"`
	IsDelivered bool                `json:"isDelivered"`
	DeliveredAt *time.Time          `json:"deliveredAt,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	Timeline    []timelineEventView `json:"timeline"`
}

func newTrackingView(tracking checkout.Tracking) trackingView {
	view := trackingView{
		OrderID:     tracking.OrderID,
		Status:      string(tracking.Status),
		IsPaid:      tracking.IsPaid,
		PaidAt:      tracking.PaidAt,
		IsDelivered: tracking.IsDelivered,
		DeliveredAt: tracking.DeliveredAt,
		UpdatedAt:   tracking.UpdatedAt,
		Timeline:    make([]timelineEventView, 0, len(tracking.Timeline)),
	}
	for _, event := range tracking.Timeline {
		view.Timeline = append(view.Timeline, timelineEventView{
			Type:       event.Type,
			Status:     string(event.Status),
			Reason:     event.Reason,
			OccurredAt: event.Occurred,
		})
	}
	return view
}

type searchItemView struct {
	ID             string          `json:"_id"`
	Source         string          `json:"source"`
	Name           string          `json:"name"`
	Brand          string          `json:"brand,omitempty"`
	Description    string          `json:"description,omitempty"`
	Category       string          `json:"category"`
	Tags           []string        `json:"tags"`
	Price          decimal.Decimal `json:"price"`
	PriceEstimated bool            `json:"priceEstimated"`
	Image          string          `json:"image,omitempty"`
	Stock          int             `json:"countInStock"`
	Rating         float64         `json:"rating"`
	NumReviews     int             `json:"numReviews"`
	IsOrganic      bool            `json:"isOrganic"`
}

type searchView struct {
	Products      []searchItemView `json:"products"`
	LocalCount    int              `json:"localCount"`
	ExternalCount int              `json:"externalCount"`
	Total         int              `json:"total"`
}

func newSearchView(result search.Result) searchView {
	view := searchView{
		Products:      make([]searchItemView, 0, len(result.Products)),
		LocalCount:    result.LocalCount,
		ExternalCount: result.ExternalCount,
		Total:         result.Total,
	}
	for _, item := range result.Products {
		tags := item.Tags
		if tags == nil {
			tags = []string{}
		}
		view.Products = append(view.Products, searchItemView{
			ID:             item.ID,
			Source:         string(item.Source),
			Name:           item.Name,
			Brand:          item.Brand,
			Description:    item.Description,
			Category:       item.Category,
			Tags:           tags,
			Price:          item.Price,
			PriceEstimated: item.PriceEstimated,
			Image:          item.Image,
			Stock:          item.Stock,
			Rating:         item.Rating,
			NumReviews:     item.NumReviews,
			IsOrganic:      item.IsOrganic,
		})
	}
	return view
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return limit
}
