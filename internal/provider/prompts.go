package provider

const analysisPrompt = `Analyze this food image and return nutritional information as JSON:
{
  "detected_foods": [
    {
      "name": "food name",
      "confidence": 0.0 to 1.0,
      "portion_estimate": "estimated portion size",
      "nutritional_info": {
        "calories": number,
        "protein": grams,
        "carbs": grams,
        "fat": grams,
        "dairy": grams,
        "vegetable": grams,
        "fruit": grams
      },
      "micronutrients": {
        "vitamin_c": mg, "vitamin_d": mcg, "vitamin_b12": mcg, "calcium": mg,
        "iron": mg, "zinc": mg, "magnesium": mg, "folate": mg
      },
      "food_group": "Carbs/Proteins/Vegetables/Fruits/Dairy"
    }
  ],
  "meal_type": "Breakfast/Lunch/Dinner/Snack",
  "balance_score": 0.0 to 1.0,
  "next_meal_recommendations": {
    "nutritional_recommendations": ["one-liner", "..."],
    "balance_improvements": ["one-liner", "..."],
    "timing_recommendations": ["one-liner", "..."]
  }
}

Give two or three one-line items per recommendation list.
Return ONLY valid JSON, no additional text.`

const reportPrompt = `Based on the following weekly nutrition data, write a health report and personalized recommendations.

WEEKLY NUTRITION DATA:
{input_data}

Respond with JSON in this shape:
{
  "health_report": {
    "summary": "2-3 sentence assessment of the week",
    "strengths": ["..."],
    "areas_for_improvement": ["..."],
    "balance_assessment": "assessment based on the balance scores"
  },
  "recommendations": {
    "nutrition_recommendations": ["..."],
    "meal_timing_recommendations": ["..."],
    "micronutrient_recommendations": ["..."],
    "weekly_meal_plan_suggestions": ["..."],
    "lifestyle_recommendations": ["..."]
  },
  "priority_actions": ["three items, most important first"],
  "weekly_goals": ["three measurable goals for next week"]
}

Reference the actual numbers where relevant and keep every item to one line.
Return ONLY valid JSON, no additional text.`
