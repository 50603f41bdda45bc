package main

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"certforge/internal/ca"
	"certforge/internal/storage"
	"certforge/internal/utils"
	"certforge/internal/x509util"
)

func main() {
	name := flag.String("name", "root", "CA name, used in API paths and OCSP URLs")
	commonName := flag.String("cn", "Certforge Root CA", "subject common name")
	organization := flag.String("org", "", "subject organization")
	country := flag.String("country", "", "subject country")
	keyType := flag.String("key-type", "ecdsa", "key type: rsa, ecdsa or ed25519")
	years := flag.Int("years", 10, "CA certificate validity in years")
	acmeEnabled := flag.Bool("acme", false, "enable ACME issuance from this CA")
	flag.Parse()

	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	if err := createDirectories(config); err != nil {
		log.Fatal("Failed to create directories:", err)
	}

	db, err := storage.NewSQLiteDB(config.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	ctx := context.Background()
	if existing, err := storage.GetCAByName(ctx, db, *name); err == nil {
		log.Fatalf("CA %q already exists (serial %s)", existing.Name, existing.Serial)
	}

	keyPath := filepath.Join(config.CertificatesPath, *name+".key")
	key, err := ca.GenerateKey(*keyType, keyPath)
	if err != nil {
		log.Fatal("Failed to generate CA key:", err)
	}

	serial, err := x509util.GenerateSerial()
	if err != nil {
		log.Fatal("Failed to generate serial:", err)
	}

	keyID, err := x509util.SubjectKeyID(key.Public())
	if err != nil {
		log.Fatal("Failed to compute subject key identifier:", err)
	}

	subject := pkix.Name{CommonName: *commonName}
	if *organization != "" {
		subject.Organization = []string{*organization}
	}
	if *country != "" {
		subject.Country = []string{*country}
	}

	now := time.Now()
	notAfter := x509util.NormalizeValidity(now.AddDate(*years, 0, 0))
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          keyID,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		log.Fatal("Failed to self-sign CA certificate:", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	certPath := filepath.Join(config.CertificatesPath, *name+".crt")
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		log.Fatal("Failed to write CA certificate:", err)
	}

	authority := &storage.CertificateAuthority{
		Name:           *name,
		Serial:         x509util.SerialToHex(serial),
		Subject:        subject.String(),
		CertificatePEM: string(certPEM),
		KeyBackend:     "software",
		KeyReference:   keyPath,
		NotBefore:      template.NotBefore,
		NotAfter:       notAfter,
		Enabled:        true,
		ACMEEnabled:    *acmeEnabled,
	}
	if _, err := storage.CreateCA(ctx, db, authority); err != nil {
		log.Fatal("Failed to store CA:", err)
	}

	fmt.Printf("Created CA %q\n", *name)
	fmt.Println("  serial:      ", authority.Serial)
	fmt.Println("  certificate: ", certPath)
	fmt.Println("  key:         ", keyPath)
	fmt.Println("  not after:   ", notAfter.Format(time.RFC3339))

	if config.JWTSecret != "" {
		token, err := utils.GenerateJWT("admin", "admin", config.JWTSecret)
		if err != nil {
			log.Fatal("Failed to generate admin token:", err)
		}
		fmt.Println("\nAdmin API token (valid 24h):")
		fmt.Println("  " + token)
	}
}

func createDirectories(config *utils.Config) error {
	dirs := []string{
		filepath.Dir(config.DatabasePath),
		config.CertificatesPath,
		config.ProfilesPath,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
