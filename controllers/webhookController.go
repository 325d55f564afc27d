package controllers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"pixel-relay-backend/database"
	"pixel-relay-backend/locks"
	"pixel-relay-backend/metrics"
	"pixel-relay-backend/middlewares"
	"pixel-relay-backend/models"
	"pixel-relay-backend/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// WebhookController receives order notifications from the commerce platform
// and turns them into queued conversion jobs.
type WebhookController struct {
	Shops       *database.ShopStore
	Jobs        *database.JobStore
	Locks       *locks.Manager
	MaxAttempts int
	Log         *slog.Logger
}

// orderWebhook is the subset of the orders/paid payload this service uses.
// TotalPrice arrives as a string, Shopify-style.
type orderWebhook struct {
	ID            int64  `json:"id" validate:"required"`
	OrderNumber   int64  `json:"order_number"`
	TotalPrice    string `json:"total_price" validate:"required"`
	Currency      string `json:"currency" validate:"required,len=3"`
	CheckoutToken string `json:"checkout_token" validate:"omitempty,max=128"`
	LineItems     []struct {
		ProductID int64  `json:"product_id"`
		Title     string `json:"title"`
		Quantity  int    `json:"quantity"`
		Price     string `json:"price"`
	} `json:"line_items"`
	Customer *struct {
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"customer"`
}

// OrdersPaid handles POST /webhooks/orders/paid.
func (wc *WebhookController) OrdersPaid(c *fiber.Ctx) error {
	shopDomain := c.Get("X-Shopify-Shop-Domain")
	if shopDomain == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing shop domain header")
	}

	shop, err := wc.Shops.ByDomain(c.Context(), shopDomain)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "unknown shop")
		}
		return err
	}

	body := c.Body()
	hmacValid := utils.VerifyWebhookHMAC(body, c.Get("X-Shopify-Hmac-Sha256"), shop.WebhookSecret)
	if !hmacValid && shop.ReceiveMode == models.ReceiveModeStrict {
		return fiber.NewError(fiber.StatusUnauthorized, "webhook signature verification failed")
	}

	webhookID := c.Get("X-Shopify-Webhook-Id")
	topic := c.Get("X-Shopify-Topic")
	if topic == "" {
		topic = "orders/paid"
	}

	ran, err := wc.Locks.RunLocked(c.Context(), shopDomain, webhookID, topic, func() error {
		return wc.enqueue(c, shop, body, hmacValid)
	})
	if err != nil {
		return err
	}
	if !ran {
		metrics.WebhookDuplicates.Inc()
		wc.Log.Info("duplicate webhook delivery",
			"shop", shopDomain, "webhook_id", webhookID, "topic", topic)
		return c.JSON(fiber.Map{"status": "duplicate"})
	}
	return c.JSON(fiber.Map{"status": "queued"})
}

// enqueue validates the payload and upserts the conversion job. This is the
// single write boundary for job input: readers downstream never re-validate.
func (wc *WebhookController) enqueue(c *fiber.Ctx, shop *models.Shop, body []byte, hmacValid bool) error {
	var order orderWebhook
	if err := json.Unmarshal(body, &order); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid webhook payload")
	}
	if err := middlewares.ValidateStruct(&order); err != nil {
		return err
	}

	value, err := strconv.ParseFloat(order.TotalPrice, 64)
	if err != nil || value < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order total")
	}

	items := make([]models.LineItem, 0, len(order.LineItems))
	for _, li := range order.LineItems {
		price, _ := strconv.ParseFloat(li.Price, 64)
		items = append(items, models.LineItem{
			ProductID: strconv.FormatInt(li.ProductID, 10),
			Title:     li.Title,
			Quantity:  li.Quantity,
			Price:     utils.Round2(price),
		})
	}

	input := models.OrderInput{
		Kind:          models.EventKindPurchase,
		CheckoutToken: order.CheckoutToken,
		LineItems:     items,
		HMACValid:     hmacValid,
	}
	if order.Customer != nil {
		input.HashedEmail = utils.HashIdentifier(order.Customer.Email)
		input.HashedPhone = utils.HashIdentifier(order.Customer.Phone)
	}
	if err := middlewares.ValidateStruct(&input); err != nil {
		return err
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return err
	}

	job := models.ConversionJob{
		ShopDomain:  shop.Domain,
		OrderID:     strconv.FormatInt(order.ID, 10),
		OrderNumber: strconv.FormatInt(order.OrderNumber, 10),
		Value:       utils.Round2(value),
		Currency:    order.Currency,
		Input:       inputJSON,
		Status:      models.JobQueued,
		MaxAttempts: wc.MaxAttempts,
	}
	if err := wc.Jobs.Upsert(c.Context(), &job); err != nil {
		return err
	}

	wc.Log.Info("conversion job enqueued",
		"shop", shop.Domain, "order", job.OrderID, "hmac_valid", hmacValid)
	return nil
}
