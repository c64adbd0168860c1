// Command seed provisions demo accounts and catalog entries for local
// development. It is idempotent; rerunning it leaves existing rows alone.
package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/db"
)

type seedUser struct {
	username string
	email    string
	password string
	role     string
}

type seedProduct struct {
	name        string
	description string
	price       float64
	category    string
	stock       int
}

var users = []seedUser{
	{username: "admin", email: "admin@escrowflow.local", password: "admin-change-me", role: "admin"},
	{username: "demo_seller", email: "seller@escrowflow.local", password: "seller-change-me", role: "seller"},
	{username: "demo_buyer", email: "buyer@escrowflow.local", password: "buyer-change-me", role: "buyer"},
}

var products = []seedProduct{
	{name: "Security audit", description: "One week source review with written report", price: 1200, category: "service", stock: 5},
	{name: "VPN subscription", description: "12 month multi-hop VPN access", price: 89.99, category: "digital", stock: 100},
	{name: "Hardware wallet", description: "Factory sealed signing device", price: 149.50, category: "physical", stock: 25},
}

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("seed: connect: %v", err)
	}
	defer pool.Close()

	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("seed: hash password for %s: %v", u.username, err)
		}

		tag, err := pool.Exec(ctx, `
			INSERT INTO users (username, email, password_hash, role)
			VALUES ($1, $2, $3, $4::user_role)
			ON CONFLICT (email) DO NOTHING
		`, u.username, u.email, string(hash), u.role)
		if err != nil {
			log.Fatalf("seed: insert user %s: %v", u.username, err)
		}
		if tag.RowsAffected() > 0 {
			log.Printf("seed: created user %s (%s)", u.username, u.role)
		}
	}

	var sellerID string
	if err := pool.QueryRow(ctx, `SELECT id FROM users WHERE username = 'demo_seller'`).Scan(&sellerID); err != nil {
		log.Fatalf("seed: look up demo seller: %v", err)
	}

	for _, p := range products {
		tag, err := pool.Exec(ctx, `
			INSERT INTO products (seller_id, name, description, price, category, stock)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE NOT EXISTS (SELECT 1 FROM products WHERE seller_id = $1 AND name = $2)
		`, sellerID, p.name, p.description, p.price, p.category, p.stock)
		if err != nil {
			log.Fatalf("seed: insert product %q: %v", p.name, err)
		}
		if tag.RowsAffected() > 0 {
			log.Printf("seed: created product %q", p.name)
		}
	}

	log.Println("seed: done")
}
