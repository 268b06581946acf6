package generator

import (
	"strconv"
	"strings"
	"text/template"
)

// templateScript is the provider-free scraper. It writes to OUTPUT_FILE in
// the format implied by the file extension and honours TARGET_URL.
var templateScript = template.Must(template.New("scraper").Funcs(template.FuncMap{
	"py":      pyString,
	"comment": pyComment,
	"pylist":  pyList,
}).Parse(`#!/usr/bin/env python3
# Template web scraper for {{comment .URL}}
{{- if .Description}}
# Requirements: {{comment .Description}}
{{- end}}
import csv
import io
import json
import logging
import os
import random
import sys
import time
import xml.etree.ElementTree as ET
from pathlib import Path
from typing import Any, Dict, List, Optional

import requests
from bs4 import BeautifulSoup

logging.basicConfig(level=logging.INFO)
logger = logging.getLogger("scraper")

TARGET_URL = os.environ.get("TARGET_URL") or {{py .URL}}
OUTPUT_FILE = os.environ.get("OUTPUT_FILE", "scraped_data.json")
FIELDS = {{pylist .Fields}}


class WebScraper:
    def __init__(self) -> None:
        self.session = requests.Session()
        self.session.headers.update({
            "User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
            "Accept-Language": "en-US,en;q=0.9",
        })
        self.fields = FIELDS

    def scrape_data(self, url: str) -> List[Dict[str, Optional[str]]]:
        logger.info("Starting scrape for %s", url)

        # Random delay to avoid being blocked.
        time.sleep(random.uniform(1, 3))

        response = self.session.get(url, timeout=30)
        response.raise_for_status()
        soup = BeautifulSoup(response.content, "html.parser")

        # Adjust this selector to the site structure.
        items = soup.find_all("div", class_="item")

        results = []
        for item in items:
            data = {}
            for field in self.fields:
                element = item.find(class_=field)
                data[field] = element.get_text(strip=True) if element else None
            if any(data.values()):
                results.append(data)

        logger.info("Scraped %d items", len(results))
        return results


def serialize(data: List[Dict[str, Any]], path: str) -> str:
    if path.endswith(".csv"):
        buf = io.StringIO()
        writer = csv.DictWriter(buf, fieldnames=FIELDS)
        writer.writeheader()
        writer.writerows(data)
        return buf.getvalue()
    if path.endswith(".xml"):
        root = ET.Element("items")
        for row in data:
            node = ET.SubElement(root, "item")
            for key, value in row.items():
                ET.SubElement(node, "field", name=key).text = value or ""
        return ET.tostring(root, encoding="unicode")
    return json.dumps(data, indent=2, ensure_ascii=False)


def main() -> int:
    scraper = WebScraper()
    try:
        data = scraper.scrape_data(TARGET_URL)
    except Exception as e:
        logger.error("Scraping failed: %s", e)
        return 1

    print(json.dumps(data, indent=2, ensure_ascii=False))
    Path(OUTPUT_FILE).write_text(serialize(data, OUTPUT_FILE), encoding="utf-8")
    logger.info("Scraping completed successfully")
    return 0


if __name__ == "__main__":
    sys.exit(main())
`))

type templateData struct {
	URL         string
	Fields      []string
	Description string
}

// TemplateScript renders the deterministic fallback scraper. It never fails.
func TemplateScript(url string, fields []string, description string) string {
	var b strings.Builder
	// Execute only fails on writer errors or bad templates; neither applies here.
	_ = templateScript.Execute(&b, templateData{URL: url, Fields: fields, Description: description})
	return strings.TrimSpace(b.String()) + "\n"
}

// pyString quotes s as a Python string literal. Go quoting is valid Python
// for every escape it emits.
func pyString(s string) string {
	return strconv.Quote(s)
}

func pyList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = pyString(it)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// pyComment flattens s onto one comment line.
func pyComment(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
